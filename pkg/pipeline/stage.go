package pipeline

// Stage names one step of a document's processing run. The names are
// persisted in job progress rows, so they are stable identifiers.
type Stage string

const (
	StageExtractText        Stage = "extract_text"
	StageChunkText          Stage = "chunk_text"
	StageGenerateEmbeddings Stage = "generate_embeddings"
	StageGenerateSummary    Stage = "generate_summary"
	StageGenerateTags       Stage = "generate_tags"
)

// Stages lists every pipeline stage in execution order.
var Stages = []Stage{
	StageExtractText,
	StageChunkText,
	StageGenerateEmbeddings,
	StageGenerateSummary,
	StageGenerateTags,
}
