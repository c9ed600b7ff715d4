// SPDX-FileCopyrightText: Copyright 2025 mcp-bridge contributors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Page sizes for the list endpoints.
const (
	PromptsPageSize           = 50
	ResourcesPageSize         = 100
	ResourceTemplatesPageSize = 100
)

type cursorPayload struct {
	Offset int `json:"offset"`
}

// EncodeCursor produces an opaque continuation cursor for an offset.
func EncodeCursor(offset int) string {
	data, _ := json.Marshal(cursorPayload{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor recovers the offset from a cursor. An empty cursor is
// offset zero.
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, fmt.Errorf("malformed cursor: %w", err)
	}
	var p cursorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return 0, fmt.Errorf("malformed cursor: %w", err)
	}
	if p.Offset < 0 {
		return 0, fmt.Errorf("malformed cursor: negative offset")
	}
	return p.Offset, nil
}

// paginate slices one page out of items. nextCursor is empty on the last
// page.
func paginate[T any](items []T, cursor string, limit int) (page []T, nextCursor string, err error) {
	offset, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if offset >= len(items) {
		return []T{}, "", nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	page = items[offset:end]
	if end < len(items) {
		nextCursor = EncodeCursor(end)
	}
	return page, nextCursor, nil
}
