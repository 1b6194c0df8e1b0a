package store

// Triggers are optional hooks bracketing store operations. Before hooks run
// after the operation's lock is acquired and before the map is mutated;
// returning an error vetoes the operation. After hooks run once the mutation
// and any transactional undo bookkeeping are complete. AfterLoad runs on the
// copied-out record of every load and cursor step.
//
// Hooks receive copies, never the stored instances, and must not call back
// into the store they are attached to.
type Triggers struct {
	BeforeInsert func(rec Record) error
	AfterInsert  func(rec Record)

	BeforeUpdate func(old, rec Record) error
	AfterUpdate  func(old, rec Record)

	BeforeDelete func(old Record) error
	AfterDelete  func(old Record)

	AfterLoad func(rec Record)
}
