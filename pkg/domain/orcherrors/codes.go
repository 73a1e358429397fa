package orcherrors

// Code represents an error code.
type Code string

const (
	CodeUnknown            Code = "UNKNOWN"             // Unknown error occurred
	CodeInternalError      Code = "INTERNAL_ERROR"      // Internal system error
	CodeValidationFailed   Code = "VALIDATION_FAILED"   // Input validation failed
	CodeInvalidParameter   Code = "INVALID_PARAMETER"   // Invalid parameter provided
	CodeNotFound           Code = "NOT_FOUND"           // Entity not found
	CodeAlreadyExists      Code = "ALREADY_EXISTS"      // Entity already exists
	CodeAlreadyRegistered  Code = "ALREADY_REGISTERED"  // Handler/task already registered under this key
	CodeInvalidState       Code = "INVALID_STATE"       // Entity is not in a state that permits the requested transition
	CodeGuardFailed        Code = "GUARD_FAILED"        // A transition guard rejected the requested state change
	CodeStaleSnapshot      Code = "STALE_SNAPSHOT"      // A compare-and-set write lost a race against a concurrent writer
	CodeCyclicDependency   Code = "CYCLIC_DEPENDENCY"   // A step DAG contains a cycle
	CodeHandlerNotFound    Code = "HANDLER_NOT_FOUND"   // No handler factory registered for a step's handler class
	CodeHandlerFailed      Code = "HANDLER_FAILED"      // A step or task handler returned an unclassified error
	CodeHandlerTimeout     Code = "HANDLER_TIMEOUT"     // A handler exceeded its configured wall-clock timeout
	CodeDuplicateEnqueue   Code = "DUPLICATE_ENQUEUE"   // A reenqueue request was suppressed by the debounce window
	CodeOperationFailed    Code = "OPERATION_FAILED"    // Operation failed for a reason not covered by a more specific code
	CodeTimeoutError       Code = "TIMEOUT_ERROR"       // Operation timed out
	CodeIoError            Code = "IO_ERROR"            // Input/output operation failed
	CodeConfigurationError Code = "CONFIGURATION_ERROR" // Process configuration is invalid or incomplete
)
