package engine

// AutoConfirmer is a Confirmer that accepts every prompt immediately,
// without involving a human. Matches the "auto-confirm" harness mode
// (spec.md §8): a host that trusts every peer, or a test fixture.
type AutoConfirmer struct{}

func (AutoConfirmer) PromptYesNo(message string, onResult func(accepted bool)) {
	onResult(true)
}

// DenyConfirmer is a Confirmer that rejects every prompt immediately.
type DenyConfirmer struct{}

func (DenyConfirmer) PromptYesNo(message string, onResult func(accepted bool)) {
	onResult(false)
}
