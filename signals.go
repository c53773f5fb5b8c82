package cascada

import "github.com/zoobzio/capitan"

// Signal constants for runtime events.
// Signals follow the pattern: <component>.<event>.
const (
	// Render signals.
	SignalRenderStarted   capitan.Signal = "render.started"
	SignalRenderCompleted capitan.Signal = "render.completed"
	SignalRenderPoisoned  capitan.Signal = "render.poisoned"

	// Loop driver signals.
	SignalLoopStarted        capitan.Signal = "loop.started"
	SignalLoopSaturated      capitan.Signal = "loop.saturated"
	SignalLoopCompleted      capitan.Signal = "loop.completed"
	SignalLoopInvalidLimit   capitan.Signal = "loop.invalid-limit"
	SignalLoopFellSequential capitan.Signal = "loop.sequential"

	// Sequence lock signals.
	SignalLockAcquired  capitan.Signal = "lock.acquired"
	SignalLockPoisoned  capitan.Signal = "lock.poisoned"
	SignalLockCancelled capitan.Signal = "lock.cancelled"
	SignalLockRepaired  capitan.Signal = "lock.repaired"

	// Handler signals.
	SignalHandlerInstantiated capitan.Signal = "handler.instantiated"
	SignalHandlerUnknown      capitan.Signal = "handler.unknown"
	SignalHandlerFailed       capitan.Signal = "handler.failed"

	// Poison signals.
	SignalPoisonCreated capitan.Signal = "poison.created"
)

// Common field keys using capitan primitive types.
// All keys use primitive types to avoid custom struct serialization.
var (
	// Common fields.
	FieldName         = capitan.NewStringKey("name")          // Template or handler name
	FieldPath         = capitan.NewStringKey("path")          // Source path
	FieldError        = capitan.NewStringKey("error")         // Error message
	FieldErrorCount   = capitan.NewIntKey("error_count")      // Aggregated error count
	FieldErrorContext = capitan.NewStringKey("error_context") // Contextual label at the fence
	FieldDuration     = capitan.NewFloat64Key("duration")     // Seconds
	FieldTimestamp    = capitan.NewFloat64Key("timestamp")    // Unix timestamp

	// Loop fields.
	FieldLoopMode      = capitan.NewStringKey("loop_mode")      // parallel/bounded/sequential
	FieldConcurrency   = capitan.NewIntKey("concurrency")       // Admission limit, 0 = unbounded
	FieldInFlight      = capitan.NewIntKey("in_flight")         // Currently running iterations
	FieldIterations    = capitan.NewIntKey("iterations")        // Iterations launched so far
	FieldSourceKind    = capitan.NewStringKey("source_kind")    // array/object/iterator
	FieldSequentialWhy = capitan.NewStringKey("sequential_why") // Reason a loop degraded
	FieldInvalidLimit  = capitan.NewStringKey("invalid_limit")  // Rejected `of` expression value
	FieldDidIterate    = capitan.NewIntKey("did_iterate")       // 1 when the body ran at least once
	FieldElseRan       = capitan.NewIntKey("else_ran")          // 1 when the else branch ran

	// Lock fields.
	FieldLockKey  = capitan.NewStringKey("lock_key")  // Sequence lock path
	FieldLockMode = capitan.NewStringKey("lock_mode") // read/write
	FieldRepair   = capitan.NewIntKey("repair")       // 1 for repairing acquisitions

	// Handler fields.
	FieldHandler = capitan.NewStringKey("handler") // Handler name
	FieldCommand = capitan.NewStringKey("command") // Command method
	FieldSubpath = capitan.NewStringKey("subpath") // Dotted subpath
)
