// Package crawler defines the domain types, storage and provider interfaces,
// and error taxonomy shared by the fetcher, parser, extractors, validator,
// categorization engine, and orchestrator of the edital crawler.
package crawler
