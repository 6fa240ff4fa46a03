package invoke

import (
	"context"
	"fmt"
	"strings"
)

const (
	// responsePreviewLimit bounds how much of a response body enters the
	// conversation.
	responsePreviewLimit = 8000

	// smartExtractionLimit is the larger budget for curated extraction
	// output, which is already security-relevant content.
	smartExtractionLimit = 24000

	// requestPreviewLimit bounds request body previews.
	requestPreviewLimit = 4000

	// smartExtractThreshold is the body size above which JavaScript
	// content is refetched with server-side smart extraction.
	smartExtractThreshold = 50000
)

// autoFetchBody retrieves the body of the first session a search returned so
// the model gets content alongside the match list. A failed fetch never
// fails the search; it is attached as a note instead.
func (inv *Invoker) autoFetchBody(ctx context.Context, searchResult map[string]any) map[string]any {
	sessions, _ := searchResult["sessions"].([]any)
	if len(sessions) == 0 {
		return nil
	}
	first, _ := sessions[0].(map[string]any)
	if first == nil {
		return nil
	}
	sessionID := strings.TrimSpace(stringValue(first["id"]))
	if sessionID == "" {
		return nil
	}

	receivedAt := first["received_at"]
	receivedAtISO := stringValue(first["received_at_iso"])
	if receivedAtISO == "" {
		receivedAtISO = stringValue(first["time"])
	}

	// The proxy reuses session ids across capture restarts; count how many
	// matches share this one so the model knows which it is looking at.
	duplicates := 0
	for _, s := range sessions {
		if m, ok := s.(map[string]any); ok && stringValue(m["id"]) == sessionID {
			duplicates++
		}
	}
	hasDuplicates := duplicates > 1

	msg := fmt.Sprintf("Auto-fetching body for session %s", sessionID)
	if receivedAtISO != "" {
		msg += fmt.Sprintf(" (timestamp: %s)", receivedAtISO)
	}
	if hasDuplicates {
		msg += fmt.Sprintf(" [%d sessions share this ID]", duplicates)
	}
	inv.notice(msg)
	inv.logger.Info("auto-fetching session body", "session", sessionID, "duplicates", duplicates)

	raw, err := inv.caller.CallToolRaw(ctx, inv.tool("session_body"), map[string]any{"session_id": sessionID})
	if err != nil {
		return map[string]any{
			"error": err.Error(),
			"note":  "Automatic session body lookup failed or returned no content.",
		}
	}
	bodyData := Normalize(raw)

	if v, present := bodyData["success"]; present && !boolValue(v) {
		if _, ok := bodyData["note"]; !ok {
			bodyData["note"] = "Automatic session body lookup failed or returned no content."
		}
		return bodyData
	}

	metaNote := fmt.Sprintf("This is session %s from the search results (first match)", sessionID)
	if hasDuplicates {
		metaNote += fmt.Sprintf(" - WARNING: %d sessions share this ID with different timestamps", duplicates)
	}
	bodyData["_auto_fetch_metadata"] = map[string]any{
		"fetched_session_id":  sessionID,
		"fetched_timestamp":   receivedAtISO,
		"fetched_received_at": receivedAt,
		"has_duplicate_ids":   hasDuplicates,
		"note":                metaNote,
	}

	truncated := boolValue(bodyData["response_truncated"]) || boolValue(bodyData["truncated"])
	size, _ := intValue(bodyData["content_length"])

	// A truncated preview means the interesting part may be missing:
	// refetch the raw body, and for large JavaScript ask the server to run
	// smart extraction instead of shipping megabytes of minified code.
	if truncated {
		contentType := strings.ToLower(stringValue(bodyData["content_type"]))
		useSmartExtract := strings.Contains(contentType, "javascript") && size > smartExtractThreshold

		if useSmartExtract {
			inv.notice(fmt.Sprintf("Large JavaScript detected (%d bytes); using smart extraction for session %s", size, sessionID))
		} else {
			inv.notice(fmt.Sprintf("Preview for session %s was truncated; requesting full body", sessionID))
		}

		rawFull, err := inv.caller.CallToolRaw(ctx, inv.tool("session_body"), map[string]any{
			"session_id":     sessionID,
			"include_binary": true,
			"smart_extract":  useSmartExtract,
		})
		refetched := false
		if err == nil {
			if full := Normalize(rawFull); boolValue(full["success"]) {
				full["_auto_fetch_metadata"] = bodyData["_auto_fetch_metadata"]
				bodyData = full
				truncated = boolValue(bodyData["response_truncated"]) || boolValue(bodyData["truncated"])
				if n, ok := intValue(bodyData["content_length"]); ok {
					size = n
				}
				refetched = true
			}
		}
		if !refetched {
			if _, ok := bodyData["auto_note"]; !ok {
				bodyData["auto_note"] = "Body preview was truncated and full fetch failed; inspect manually via " + inv.tool("session_body")
			}
			return bodyData
		}
	}

	inv.applyPreviews(bodyData, sessionID, size, truncated)

	if _, ok := bodyData["auto_note"]; !ok {
		note := "Full body retrieved"
		if truncated {
			note = "Body preview truncated; saved full payload to disk"
		}
		if hasDuplicates {
			note += fmt.Sprintf(" [Session %s at %s - %d total with this ID]", sessionID, receivedAtISO, duplicates)
		}
		bodyData["auto_note"] = note
	}
	if size > 0 {
		if _, ok := bodyData["auto_note_details"]; !ok {
			bodyData["auto_note_details"] = fmt.Sprintf("Body length reported as %d bytes", size)
		}
	}
	return bodyData
}

// applyPreviews clips body text to conversation-sized previews and persists
// the full payloads through the dump store.
func (inv *Invoker) applyPreviews(bodyData map[string]any, sessionID string, size int64, truncated bool) {
	extraction, _ := bodyData["smart_extraction"].(map[string]any)
	extractionAvailable := boolValue(bodyData["smart_extraction_available"])
	responseText := stringValue(bodyData["response_body"])

	if extractionAvailable && extraction != nil {
		if formatted := formatSmartExtraction(extraction); formatted != "" {
			analyzed := formatted
			if len(analyzed) > smartExtractionLimit {
				analyzed = analyzed[:smartExtractionLimit] + "\n\n...[smart extraction shortened for conversation output]"
			}
			bodyData["response_body_analyzed"] = analyzed
			bodyData["response_body"] = analyzed
			bodyData["response_body_preview"] = analyzed
			bodyData["analysis_method"] = "smart_extraction"

			if meta, ok := extraction["metadata"].(map[string]any); ok {
				if patterns, ok := meta["patterns_found"].([]any); ok && len(patterns) > 0 {
					names := make([]string, 0, 5)
					for _, p := range patterns {
						if len(names) == 5 {
							break
						}
						names = append(names, stringValue(p))
					}
					inv.notice(fmt.Sprintf("Smart extraction found %d suspicious patterns: %s", len(patterns), strings.Join(names, ", ")))
				}
			}

			if path := inv.save(sessionID, responseText, "response"); path != "" {
				bodyData["saved_response_path"] = path
				bodyData["auto_note"] = "Smart extraction applied; full body saved to " + path
				if _, ok := bodyData["auto_note_details"]; !ok {
					bodyData["auto_note_details"] = fmt.Sprintf("Smart extraction from %d byte file; full response saved to %s", size, path)
				}
			} else {
				bodyData["auto_note"] = "Smart extraction applied for enhanced analysis"
			}
		}
	} else if responseText != "" {
		if len(responseText) > responsePreviewLimit {
			preview := responseText[:responsePreviewLimit] + "\n\n...[preview shortened for conversation output]"
			bodyData["response_body_preview"] = preview
			bodyData["response_body"] = preview
		} else {
			bodyData["response_body_preview"] = responseText
		}

		if path := inv.save(sessionID, responseText, "response"); path != "" {
			bodyData["saved_response_path"] = path
			if _, ok := bodyData["auto_note_details"]; !ok {
				detail := "Full response saved to " + path
				if size > 0 {
					detail = fmt.Sprintf("Body length reported as %d bytes; full response saved to %s", size, path)
				}
				bodyData["auto_note_details"] = detail
			}
			if truncated {
				bodyData["auto_note"] = "Body preview truncated; full response saved to " + path
			} else {
				bodyData["auto_note"] = "Full body retrieved and saved to " + path
			}
		}
	}

	requestText := stringValue(bodyData["request_body"])
	if requestText != "" {
		if len(requestText) > requestPreviewLimit {
			preview := requestText[:requestPreviewLimit] + "\n\n...[preview shortened for conversation output]"
			bodyData["request_body_preview"] = preview
			bodyData["request_body"] = preview
		} else {
			bodyData["request_body_preview"] = requestText
		}
		if path := inv.save(sessionID, requestText, "request"); path != "" {
			bodyData["saved_request_path"] = path
		}
	}
}

func (inv *Invoker) save(sessionID, text, kind string) string {
	if inv.store == nil || text == "" {
		return ""
	}
	path, err := inv.store.Save(sessionID, kind, text)
	if err != nil {
		inv.logger.Warn("failed to persist body", "session", sessionID, "kind", kind, "err", err)
		return ""
	}
	return path
}

// formatSmartExtraction renders the server's extraction sections into one
// annotated block the model can navigate.
func formatSmartExtraction(extraction map[string]any) string {
	meta, _ := extraction["metadata"].(map[string]any)
	originalSize, _ := intValue(meta["original_size"])

	var parts []string
	if originalSize > 0 {
		parts = append(parts, fmt.Sprintf("[INTELLIGENT EXTRACTION from %d byte file]", originalSize))
		if patterns, ok := meta["patterns_found"].([]any); ok && len(patterns) > 0 {
			names := make([]string, 0, 10)
			for _, p := range patterns {
				if len(names) == 10 {
					break
				}
				names = append(names, stringValue(p))
			}
			parts = append(parts, fmt.Sprintf("[Suspicious patterns detected: %s]", strings.Join(names, ", ")))
		}
		parts = append(parts, "")
	}

	rule := strings.Repeat("=", 60)
	if head := stringValue(extraction["head"]); head != "" {
		parts = append(parts, rule, "=== FILE START (first 8KB) ===", rule, head)
	}
	if suspicious := stringValue(extraction["suspicious_patterns"]); suspicious != "" {
		parts = append(parts, "", rule, "=== DETECTED SUSPICIOUS PATTERNS (from middle section) ===", rule, suspicious)
	}
	if tail := stringValue(extraction["tail"]); tail != "" {
		parts = append(parts, "", rule, "=== FILE END (last 4KB) ===", rule, tail)
	}

	if meta != nil {
		totalExtracted, _ := intValue(meta["total_extracted"])
		patternsCount, _ := intValue(meta["patterns_count"])
		parts = append(parts, "", strings.Repeat("-", 40))
		parts = append(parts, fmt.Sprintf("[Extraction summary: %d bytes extracted from %d bytes original]", totalExtracted, originalSize))
		if patternsCount > 0 {
			parts = append(parts, fmt.Sprintf("[%d suspicious code patterns identified]", patternsCount))
		}
	}

	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n")
}
