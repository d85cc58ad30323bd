package types

// ArtifactChunkFrame is the wire representation of one artifact chunk.
// Discriminated from ExecutionEvent frames by Type == "artifact_chunk" at
// the ipc layer.
type ArtifactChunkFrame struct {
	Type       string `msgpack:"type"`
	ArtifactID string `msgpack:"artifact_id"`
	Seq        int64  `msgpack:"seq"`
	IsLast     bool   `msgpack:"is_last"`
	Data       []byte `msgpack:"data"`
}

// ArtifactChunk is the decoded, in-memory form of one chunk.
type ArtifactChunk struct {
	ArtifactID string
	Seq        int64
	IsLast     bool
	Data       []byte
}

// ArtifactAccumulator tracks chunks for one artifact (e.g. a screenshot
// captured mid-run) until it is complete and ready for archival.
type ArtifactAccumulator struct {
	ArtifactID string
	Chunks     []*ArtifactChunk
	TotalBytes int64
	Committed  bool
	NextSeq    int64
	Complete   bool
	ErrorState bool
}
