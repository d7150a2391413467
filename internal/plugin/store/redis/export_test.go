package redis

// WithBeforeFlushCommit runs fn between the index scan and the delete of a flush.
func WithBeforeFlushCommit(fn func()) Option {
	return func(s *Store) { s.beforeFlushCommit = fn }
}
