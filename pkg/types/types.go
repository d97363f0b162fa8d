package types

// Request is a user-submitted unit of work. The HTTP front-end creates
// requests; the orchestrator only reads and rolls them up.
type Request struct {
	RequestID       int64         `db:"request_id" json:"request_id"`
	WorkloadID      int64         `db:"workload_id" json:"workload_id"`
	Status          RequestStatus `db:"status" json:"status"`
	Priority        int           `db:"priority" json:"priority"`
	RequestMetadata JSONMap       `db:"request_metadata" json:"request_metadata"`
	CreatedAt       UnixTime      `db:"created_at" json:"created_at"`
	UpdatedAt       UnixTime      `db:"updated_at" json:"updated_at"`
}

// Transform is one data operation (e.g. a stage-in) driven through its
// lifecycle by the transform agent.
type Transform struct {
	TransformID       int64           `db:"transform_id" json:"transform_id"`
	TransformType     TransformType   `db:"transform_type" json:"transform_type"`
	TransformTag      string          `db:"transform_tag" json:"transform_tag"`
	Priority          int             `db:"priority" json:"priority"`
	Status            TransformStatus `db:"status" json:"status"`
	Substatus         TransformStatus `db:"substatus" json:"substatus"`
	Locking           LockState       `db:"locking" json:"locking"`
	Retries           int             `db:"retries" json:"retries"`
	ExpiredAt         *UnixTime       `db:"expired_at" json:"expired_at"`
	CreatedAt         UnixTime        `db:"created_at" json:"created_at"`
	UpdatedAt         UnixTime        `db:"updated_at" json:"updated_at"`
	NextPollAt        UnixTime        `db:"next_poll_at" json:"next_poll_at"`
	FinishedAt        *UnixTime       `db:"finished_at" json:"finished_at"`
	TransformMetadata TransformMeta   `db:"transform_metadata" json:"transform_metadata"`
}

// Collection is a named group of files attached to a transform.
type Collection struct {
	CollID       int64                  `db:"coll_id" json:"coll_id"`
	TransformID  int64                  `db:"transform_id" json:"transform_id"`
	RelationType CollectionRelationType `db:"relation_type" json:"relation_type"`
	Scope        string                 `db:"scope" json:"scope"`
	Name         string                 `db:"name" json:"name"`
	Status       CollectionStatus       `db:"status" json:"status"`
	TotalFiles   int64                  `db:"total_files" json:"total_files"`
	CollMetadata CollectionMeta         `db:"coll_metadata" json:"coll_metadata"`
	CreatedAt    UnixTime               `db:"created_at" json:"created_at"`
	UpdatedAt    UnixTime               `db:"updated_at" json:"updated_at"`
}

// DID returns the data identifier of the collection.
func (c *Collection) DID() string { return c.Scope + ":" + c.Name }

// Content is a single file within a collection, the unit of status
// tracking. MapID groups inputs with the outputs they map to.
type Content struct {
	ContentID       int64         `db:"content_id" json:"content_id"`
	CollID          int64         `db:"coll_id" json:"coll_id"`
	TransformID     int64         `db:"transform_id" json:"transform_id"`
	MapID           int64         `db:"map_id" json:"map_id"`
	Scope           string        `db:"scope" json:"scope"`
	Name            string        `db:"name" json:"name"`
	Bytes           int64         `db:"bytes" json:"bytes"`
	Adler32         string        `db:"adler32" json:"adler32"`
	MinID           int64         `db:"min_id" json:"min_id"`
	MaxID           int64         `db:"max_id" json:"max_id"`
	ContentType     ContentType   `db:"content_type" json:"content_type"`
	Status          ContentStatus `db:"status" json:"status"`
	Substatus       ContentStatus `db:"substatus" json:"substatus"`
	ContentMetadata ContentMeta   `db:"content_metadata" json:"content_metadata"`
	CreatedAt       UnixTime      `db:"created_at" json:"created_at"`
	UpdatedAt       UnixTime      `db:"updated_at" json:"updated_at"`
}

// Key returns the scope:name identity used to match replica locks.
func (c *Content) Key() string { return c.Scope + ":" + c.Name }

// Processing is one execution attempt of a transform against the data
// service. The external rule id lives inside ProcessingMetadata.
type Processing struct {
	ProcessingID       int64            `db:"processing_id" json:"processing_id"`
	TransformID        int64            `db:"transform_id" json:"transform_id"`
	Status             ProcessingStatus `db:"status" json:"status"`
	Substatus          ProcessingStatus `db:"substatus" json:"substatus"`
	Locking            LockState        `db:"locking" json:"locking"`
	Submitter          string           `db:"submitter" json:"submitter"`
	Granularity        int64            `db:"granularity" json:"granularity"`
	GranularityType    GranularityType  `db:"granularity_type" json:"granularity_type"`
	ExpiredAt          *UnixTime        `db:"expired_at" json:"expired_at"`
	CreatedAt          UnixTime         `db:"created_at" json:"created_at"`
	UpdatedAt          UnixTime         `db:"updated_at" json:"updated_at"`
	NextPollAt         UnixTime         `db:"next_poll_at" json:"next_poll_at"`
	FinishedAt         *UnixTime        `db:"finished_at" json:"finished_at"`
	ProcessingMetadata ProcessingMeta   `db:"processing_metadata" json:"processing_metadata"`
	OutputMetadata     JSONMap          `db:"output_metadata" json:"output_metadata"`
}

// Message is a durable outbox row consumed by an external publisher. A row
// exists iff the state transition that produced it committed.
type Message struct {
	MsgID       int64         `db:"msg_id" json:"msg_id"`
	MsgType     MessageType   `db:"msg_type" json:"msg_type"`
	Status      MessageStatus `db:"status" json:"status"`
	Source      MessageSource `db:"source" json:"source"`
	TransformID int64         `db:"transform_id" json:"transform_id"`
	NumContents int           `db:"num_contents" json:"num_contents"`
	BulkSize    int           `db:"bulk_size" json:"bulk_size"`
	MsgContent  JSONMap       `db:"msg_content" json:"msg_content"`
	CreatedAt   UnixTime      `db:"created_at" json:"created_at"`
}

// Req2Transform links a request to the transforms created for it.
type Req2Transform struct {
	RequestID   int64 `db:"request_id" json:"request_id"`
	TransformID int64 `db:"transform_id" json:"transform_id"`
}

// Workprogress2Transform links a workprogress record to a transform.
type Workprogress2Transform struct {
	WorkprogressID int64 `db:"workprogress_id" json:"workprogress_id"`
	TransformID    int64 `db:"transform_id" json:"transform_id"`
}
