package observability

const (
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"
	AttrErrorType        = "error.type"

	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrEmbeddingModel  = "embedding.model"
	AttrEmbeddingBatch  = "embedding.batch_size"

	AttrVectorBackend = "vector.backend"
	AttrSearchTopK    = "search.top_k"
	AttrSearchResults = "search.results"
	AttrParty         = "party"
	AttrDocumentID    = "document.id"
	AttrCacheName     = "cache"

	SpanHTTPRequest = "http.request"
	SpanQuery       = "rag.query"
	SpanCompare     = "rag.compare"
	SpanIngest      = "rag.ingest"
	SpanSearch      = "rag.search"
	SpanLLMRequest  = "llm.request"
	SpanEmbedding   = "embedding.embed"

	DefaultServiceName  = "plangob"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
)
