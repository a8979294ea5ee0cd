// Package ingest defines the domain model of the legal corpus ingestion
// pipeline (categories, registry entries, documents, chunks and pipeline
// runs) together with the contracts of the collaborators the pipeline and
// the scheduled worker depend on.
package ingest
