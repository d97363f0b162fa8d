package types

// Status enumerations are persisted as integer codes. The codes follow
// declaration order and must stay stable across deploys; tests assert them.

// TransformType identifies the kind of work a transform carries out.
type TransformType int

const (
	TransformTypeStageIn TransformType = 1
	// Additional transform kinds (processing, hyperparameter optimization)
	// claim codes from 2 upward.
)

func (t TransformType) String() string {
	switch t {
	case TransformTypeStageIn:
		return "StageIn"
	default:
		return "Unknown"
	}
}

// TransformStatus is the lifecycle state of a transform.
type TransformStatus int

const (
	TransformStatusNew          TransformStatus = 1
	TransformStatusTransforming TransformStatus = 2
	TransformStatusFinished     TransformStatus = 3
	TransformStatusSubFinished  TransformStatus = 4
	TransformStatusFailed       TransformStatus = 5
	TransformStatusLost         TransformStatus = 6
	TransformStatusCancelled    TransformStatus = 7
	TransformStatusToCancel     TransformStatus = 8
	TransformStatusSuspended    TransformStatus = 9
)

func (s TransformStatus) String() string {
	switch s {
	case TransformStatusNew:
		return "New"
	case TransformStatusTransforming:
		return "Transforming"
	case TransformStatusFinished:
		return "Finished"
	case TransformStatusSubFinished:
		return "SubFinished"
	case TransformStatusFailed:
		return "Failed"
	case TransformStatusLost:
		return "Lost"
	case TransformStatusCancelled:
		return "Cancelled"
	case TransformStatusToCancel:
		return "ToCancel"
	case TransformStatusSuspended:
		return "Suspended"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status ends the transform lifecycle.
func (s TransformStatus) Terminal() bool {
	switch s {
	case TransformStatusFinished, TransformStatusSubFinished, TransformStatusFailed,
		TransformStatusLost, TransformStatusCancelled:
		return true
	}
	return false
}

// ProcessingStatus is the lifecycle state of a processing.
type ProcessingStatus int

const (
	ProcessingStatusNew        ProcessingStatus = 1
	ProcessingStatusSubmitting ProcessingStatus = 2
	ProcessingStatusSubmitted  ProcessingStatus = 3
	ProcessingStatusRunning    ProcessingStatus = 4
	ProcessingStatusFinished   ProcessingStatus = 5
	ProcessingStatusFailed     ProcessingStatus = 6
	ProcessingStatusLost       ProcessingStatus = 7
	ProcessingStatusCancelled  ProcessingStatus = 8
)

func (s ProcessingStatus) String() string {
	switch s {
	case ProcessingStatusNew:
		return "New"
	case ProcessingStatusSubmitting:
		return "Submitting"
	case ProcessingStatusSubmitted:
		return "Submitted"
	case ProcessingStatusRunning:
		return "Running"
	case ProcessingStatusFinished:
		return "Finished"
	case ProcessingStatusFailed:
		return "Failed"
	case ProcessingStatusLost:
		return "Lost"
	case ProcessingStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the status ends the processing lifecycle.
func (s ProcessingStatus) Terminal() bool {
	switch s {
	case ProcessingStatusFinished, ProcessingStatusFailed,
		ProcessingStatusLost, ProcessingStatusCancelled:
		return true
	}
	return false
}

// Active reports whether the processing still needs polling.
func (s ProcessingStatus) Active() bool {
	return !s.Terminal()
}

// ContentStatus is the replication state of a single file.
type ContentStatus int

const (
	ContentStatusNew        ContentStatus = 1
	ContentStatusProcessing ContentStatus = 2
	ContentStatusAvailable  ContentStatus = 3
	ContentStatusFailed     ContentStatus = 4
	ContentStatusLost       ContentStatus = 5
	ContentStatusMapped     ContentStatus = 6
)

func (s ContentStatus) String() string {
	switch s {
	case ContentStatusNew:
		return "New"
	case ContentStatusProcessing:
		return "Processing"
	case ContentStatusAvailable:
		return "Available"
	case ContentStatusFailed:
		return "Failed"
	case ContentStatusLost:
		return "Lost"
	case ContentStatusMapped:
		return "Mapped"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the content status may no longer change.
func (s ContentStatus) Terminal() bool {
	switch s {
	case ContentStatusAvailable, ContentStatusFailed, ContentStatusLost:
		return true
	}
	return false
}

// ContentType distinguishes file-level from event-level contents.
type ContentType int

const (
	ContentTypeFile  ContentType = 1
	ContentTypeEvent ContentType = 2
)

// CollectionStatus is the lifecycle state of a collection.
type CollectionStatus int

const (
	CollectionStatusOpen      CollectionStatus = 1
	CollectionStatusClosed    CollectionStatus = 2
	CollectionStatusSubClosed CollectionStatus = 3
	CollectionStatusFailed    CollectionStatus = 4
	CollectionStatusDeleted   CollectionStatus = 5
)

func (s CollectionStatus) String() string {
	switch s {
	case CollectionStatusOpen:
		return "Open"
	case CollectionStatusClosed:
		return "Closed"
	case CollectionStatusSubClosed:
		return "SubClosed"
	case CollectionStatusFailed:
		return "Failed"
	case CollectionStatusDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// CollectionRelationType marks a collection's role within its transform.
type CollectionRelationType int

const (
	CollectionRelationInput  CollectionRelationType = 1
	CollectionRelationOutput CollectionRelationType = 2
	CollectionRelationLog    CollectionRelationType = 3
)

// GranularityType controls the unit a processing operates on.
type GranularityType int

const (
	GranularityFile  GranularityType = 1
	GranularityEvent GranularityType = 2
)

// RequestStatus is the lifecycle state of a request.
type RequestStatus int

const (
	RequestStatusNew          RequestStatus = 1
	RequestStatusTransforming RequestStatus = 2
	RequestStatusFinished     RequestStatus = 3
	RequestStatusSubFinished  RequestStatus = 4
	RequestStatusFailed       RequestStatus = 5
	RequestStatusCancelled    RequestStatus = 6
)

// LockState is the cooperative row lock on transforms and processings.
type LockState int

const (
	LockIdle   LockState = 0
	LockLocked LockState = 1
)

// Message envelope codes. Messages are consumed by an external publisher,
// so the numeric values are part of the wire contract.

type MessageType int

const (
	MessageTypeStageInFile       MessageType = 1
	MessageTypeStageInCollection MessageType = 2
)

type MessageStatus int

const (
	MessageStatusNew       MessageStatus = 1
	MessageStatusDelivered MessageStatus = 2
	MessageStatusFailed    MessageStatus = 3
)

type MessageSource int

const (
	MessageSourceTransformAgent  MessageSource = 1
	MessageSourceProcessingAgent MessageSource = 2
)
