// Package document reads and writes the markdown documents that back work
// items.
//
// # Layout
//
// Documents live under a configurable docs directory, one subdirectory per
// kind, with the record id as the file name:
//
//	docs/features/feature-auth.md
//	docs/epics/epic-4.md
//	docs/stories/story-4.2.md
//
// # Format
//
// Canonical documents start with YAML front matter:
//
//	---
//	id: story-4.2
//	kind: story
//	title: Password reset
//	status: in-progress
//	parent: epic-4
//	created: "2026-01-10T07:36:29Z"
//	---
//
//	# Password reset
//
//	Free-form content.
//
//	## Notes
//
//	- 2026-01-11T09:00:00Z dev-1: blocked on mail provider
//
// Legacy documents written before the index existed have no front matter.
// Their title comes from the first level-one heading and their status from a
// "Status: <value>" line anywhere in the body.
//
// Writes go through natefinch/atomic so a crash never leaves a torn file.
package document
