package domain

// SearchResult is a single hit from a search provider. Ephemeral, never persisted.
type SearchResult struct {
	Title   string
	Link    string
	Snippet string
}

// FetchedDocument pairs a surviving search result with its extracted page text.
// Content must pass the minimum-length screen before it reaches a prompt.
type FetchedDocument struct {
	Result  SearchResult
	Content string
}
