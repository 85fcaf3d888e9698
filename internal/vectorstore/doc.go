// Package vectorstore mirrors completed tasks into a vector index for
// similarity search.
//
// Two indexes are provided:
//   - ChromemIndex: embedded chromem-go database persisted to disk
//   - QdrantIndex: remote Qdrant over gRPC
//
// Business isolation is fail closed. Every query and every upsert requires a
// business id in the context (see ContextWithBusiness); a missing id is an
// error, never an unfiltered search. The id is injected as a payload filter
// by PayloadIsolation and every returned hit is checked again with
// business.EnsureSame before it leaves the package.
package vectorstore
