package port

// SaveOptions select how a requested save is carried out.
type SaveOptions struct {
	// Verified requests a read-back verified write instead of the cheaper
	// debounced write.
	Verified bool
	// FailFast makes a verified write a single attempt; on failure the save
	// is re-queued on the debounced path.
	FailFast bool
}

// Orchestrator is what the simulation layer needs from the persistence core.
type Orchestrator interface {
	MarkDirty(key, reason string) error
	SaveNow(key, reason string, opts SaveOptions) error
}
