// Package fiscal contains the fiscal reconciliation bounded context.
// It tracks, per document family, which ERP documents have been accepted by the
// fiscal authority and which still need to be resynchronized.
//
// Key concepts:
//   - Family: the document family (invoice, credit note, debit note), each with its own lot table
//   - Lease: the per-document record of the latest synchronization attempt
//   - LotStore: port for one family's lease table
//   - DocumentSyncer: port for the fiscal-authority synchronization of one document
//   - DocumentReader: port for reading document metadata from the ERP
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (implementations) are in the infrastructure layer
package fiscal
