// Package sheets mirrors session transcripts into a spreadsheet, keeping
// one accumulating row per session.
package sheets
