package verifier

// ErrorKind classifies why a submission failed verification.
type ErrorKind string

const (
	KindUnknown                           ErrorKind = "UNKNOWN"
	KindCanNotConnectToBundlr             ErrorKind = "CAN_NOT_CONNECT_TO_BUNDLR"
	KindBlockCantBeReadFromNode           ErrorKind = "BLOCK_CANT_BE_READ_FROM_NODE"
	KindDataCantBeReadFromNode            ErrorKind = "DATA_CANT_BE_READ_FROM_NODE"
	KindSimulationNodeCouldNotRun         ErrorKind = "SIMULATION_NODE_COULD_NOT_RUN"
	KindNoSignatureSubmitter              ErrorKind = "NO_SIGNATURE_SUBMITTER"
	KindTimestampProofInvalidSignature    ErrorKind = "TIMESTAMP_PROOF_INVALID_SIGNATURE"
	KindTimestampProofInvalidType         ErrorKind = "TIMESTAMP_PROOF_INVALID_TYPE"
	KindTimestampProofInvalidDAID         ErrorKind = "TIMESTAMP_PROOF_INVALID_DA_ID"
	KindTimestampProofNotSubmitter        ErrorKind = "TIMESTAMP_PROOF_NOT_SUBMITTER"
	KindInvalidEventTimestamp             ErrorKind = "INVALID_EVENT_TIMESTAMP"
	KindInvalidTypedDataDeadlineTimestamp ErrorKind = "INVALID_TYPED_DATA_DEADLINE_TIMESTAMP"
	KindInvalidFormattedTypedData         ErrorKind = "INVALID_FORMATTED_TYPED_DATA"
	KindSimulationFailed                  ErrorKind = "SIMULATION_FAILED"
	KindEventMismatch                     ErrorKind = "EVENT_MISMATCH"
	KindBlockTooFar                       ErrorKind = "BLOCK_TOO_FAR"
	KindInvalidPointerSetNotNeeded        ErrorKind = "INVALID_POINTER_SET_NOT_NEEDED"
	KindPointerFailedVerification         ErrorKind = "POINTER_FAILED_VERIFICATION"
	KindNotClosestBlock                   ErrorKind = "NOT_CLOSEST_BLOCK"
	KindChainSignatureAlreadyUsed         ErrorKind = "CHAIN_SIGNATURE_ALREADY_USED"
	KindPotentialReorg                    ErrorKind = "POTENTIAL_REORG"
)

// Disposition is what happens to a failed submission.
type Disposition int

const (
	// Terminal failures are properties of the submission and are recorded once.
	Terminal Disposition = iota
	// Retry failures come from the infrastructure path and are re-verified later.
	Retry
)

func (d Disposition) String() string {
	if d == Retry {
		return "retry"
	}
	return "terminal"
}

var dispositions = map[ErrorKind]Disposition{
	KindUnknown:                           Retry,
	KindCanNotConnectToBundlr:             Retry,
	KindBlockCantBeReadFromNode:           Retry,
	KindDataCantBeReadFromNode:            Retry,
	KindSimulationNodeCouldNotRun:         Retry,
	KindNoSignatureSubmitter:              Terminal,
	KindTimestampProofInvalidSignature:    Terminal,
	KindTimestampProofInvalidType:         Terminal,
	KindTimestampProofInvalidDAID:         Terminal,
	KindTimestampProofNotSubmitter:        Terminal,
	KindInvalidEventTimestamp:             Terminal,
	KindInvalidTypedDataDeadlineTimestamp: Terminal,
	KindInvalidFormattedTypedData:         Terminal,
	KindSimulationFailed:                  Terminal,
	KindEventMismatch:                     Terminal,
	KindBlockTooFar:                       Terminal,
	KindInvalidPointerSetNotNeeded:        Terminal,
	KindPointerFailedVerification:         Terminal,
	KindNotClosestBlock:                   Terminal,
	KindChainSignatureAlreadyUsed:         Terminal,
	KindPotentialReorg:                    Terminal,
}

// Kinds lists the closed set of error kinds.
func Kinds() []ErrorKind {
	out := make([]ErrorKind, 0, len(dispositions))
	for k := range dispositions {
		out = append(out, k)
	}
	return out
}

// ParseErrorKind maps a raw string onto the closed set; anything unrecognised is UNKNOWN.
func ParseErrorKind(s string) ErrorKind {
	k := ErrorKind(s)
	if _, ok := dispositions[k]; ok {
		return k
	}
	return KindUnknown
}

// Classify returns the retry policy for kind.
func Classify(kind ErrorKind) Disposition {
	return dispositions[ParseErrorKind(string(kind))]
}

// Retryable reports whether kind should be re-verified after a delay.
func (k ErrorKind) Retryable() bool { return Classify(k) == Retry }
