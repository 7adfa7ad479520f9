package pipeline

import "fmt"

// systemPrompt instructs the model to emit strict JSON matching the
// claim extraction schema. Changing it requires bumping the prompt
// version so cached extractions are not reused.
const systemPrompt = `You extract atomic claims from document chunks.

Respond with a single JSON object and nothing else:
{
  "chunk_id": "<the chunk id>",
  "summary": "<one sentence summary>",
  "claims": [
    {
      "type": "ACTOR" | "OBJECT" | "ACTION" | "STATE" | "DENY",
      "epistemic_tag": "asserted" | "inferred" | "uncertain",
      "confidence": <0.0-1.0>,
      "value": { ... },
      "evidence": [{"snippet": "<verbatim quote, max 500 chars>"}]
    }
  ],
  "warnings": []
}

Value payloads by type:
  ACTOR:  {"name": "...", "kind": "role|system|external|unknown"}
  OBJECT: {"name": "...", "description": "..."}
  STATE:  {"object_name": "...", "state": "..."}
  ACTION: {"actor": "...", "verb": "...", "object": "...", "qualifiers": ["..."]}
  DENY:   {"actor": "...", "verb": "...", "object": "..."}

Rules:
- Every claim needs at least one verbatim evidence snippet from the chunk.
- Tag a claim "uncertain" only with confidence <= 0.5 and a "rationale" key in its value.
- Emit each fact once. Do not merge distinct facts into one claim.`

func buildUserPrompt(chunkID, content string) string {
	return fmt.Sprintf("chunk_id: %s\n\n<chunk>\n%s\n</chunk>\n\nExtract the claims.", chunkID, content)
}
