package deposit

type State string

const (
	StateIdle                State = "idle"
	StateValidating          State = "validating"
	StateCheckingVault       State = "checking_vault"
	StateInitializingVault   State = "initializing_vault"
	StateBuildingTransaction State = "building_transaction"
	StateAwaitingSignature   State = "awaiting_signature"
	StateSubmitting          State = "submitting"
	StateConfirming          State = "confirming"
	StateRecording           State = "recording"
	StateSucceeded           State = "succeeded"
	StateFailed              State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}
