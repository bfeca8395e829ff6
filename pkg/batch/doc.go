// Package batch provides the batch orchestrator: expanding a gear and config
// across a homogeneous list of target containers into member jobs, the
// assemble/dispatch split, cancellation, and the derived batch state
// projection. A batch never stores its state; it is recomputed from member
// job states on every read.
package batch
