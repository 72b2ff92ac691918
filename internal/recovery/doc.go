// Package recovery persists session checkpoints and decides what happens
// after an interruption. A checkpoint written on every confirmed delivery
// lets an interrupted session resume numbering where it left off; at
// startup the manager pairs checkpoints with leftover queued audio and
// offers the caller a resume-or-dismiss choice.
package recovery
