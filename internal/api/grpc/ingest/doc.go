// Package ingest implements the gRPC transport for event ingestion.
//
// The IngestService exchanges google.protobuf.Struct messages, so the service
// descriptor is declared by hand and no generated code is needed. Requests are
// decoded into domain events and submitted through the pipeline.
package ingest
