// Package embeddings turns task titles into vectors for similarity search.
//
// Providers:
//   - hash: deterministic feature hashing, offline, used by default and in tests
//   - fastembed: local ONNX models (requires CGO)
//   - tei: HuggingFace text-embeddings-inference over HTTP
//   - openai: OpenAI-compatible embeddings API via langchaingo
//
// Every provider returns vectors of a fixed Dimension. Document vectors are
// stored with completed tasks; query vectors are compared against them.
package embeddings
