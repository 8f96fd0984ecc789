package domain

// ChunkMetadata travels with every stored chunk. Hash identifies the source
// file's content, so deduplication across collections keys on it rather than
// on the file path.
type ChunkMetadata struct {
	FilePath string `json:"file_path"`
	Hash     string `json:"hash"`
	ModDate  string `json:"mod_date"`
}

// KBResult is one chunk returned by knowledge-base retrieval, ordered by
// ascending distance after cross-collection merging.
type KBResult struct {
	Chunk    string
	Meta     ChunkMetadata
	Distance float64
}

// ScrapedDocument is what a scraper produces for one source file.
type ScrapedDocument struct {
	Content string
	Meta    ChunkMetadata
}

// Citation is the (author, title) pair parsed from a stored file's base name.
type Citation struct {
	Author string
	Title  string
}

// IngestTask is the unit of work published to the ingestion queue.
type IngestTask struct {
	FilePath   string `json:"file_path"`
	Collection string `json:"collection"`
}
