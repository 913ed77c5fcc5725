// Package diagram generates Mermaid diagrams from meeting transcripts
// through an LLM chat API.
package diagram
