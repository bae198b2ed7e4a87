package mcpserver

// NoteFormatContract describes the Quill note model for LLM consumers.
const NoteFormatContract = `# Quill Note Format Contract

A note has three fields:

| Field     | Type   | Notes                                                        |
|-----------|--------|--------------------------------------------------------------|
| ` + "`id`" + `      | string | Assigned by the store on create. Never choose one yourself.   |
| ` + "`title`" + `   | string | May be empty.                                                |
| ` + "`content`" + ` | string | Plain text or Markdown. May be empty. Stored byte for byte.  |

## Rules

1. **Create returns the id.** Use it for every later save_note or remove_note call.
2. **Save replaces both fields.** Pass the full title and content, not a diff.
3. **Search is a substring match.** It ignores case and looks at title and content
   separately, so a query never matches across the two.
4. **Order is creation order.** Editing a note does not move it.
5. **Removing a missing note is not an error.** Saving one is.

## Directory storage

When the server runs with the ` + "`dir`" + ` storage driver every note is one file,
` + "`<id>.md`" + `, with a YAML header:

` + "```" + `markdown
---
id: 0f8e2d3c-5b1a-4c7e-9d2f-6a4b3c2d1e0f
title: Weekly standup
seq: 12
---
Attendees: Alice, Bob.
` + "```" + `

Files dropped into the directory by hand are picked up too. Without a header
the whole file is the content and the first ` + "`# heading`" + ` becomes the title.
`
