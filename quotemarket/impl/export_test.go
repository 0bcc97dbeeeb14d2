package quoteimpl

// HeldLocks is the number of keys locked or waited on by the broker and its
// store
func (b *Broker) HeldLocks() int {
	return b.ops.Len() + b.store.HeldLocks()
}
