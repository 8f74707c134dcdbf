package engine

import (
	jsonpatch "github.com/evanphx/json-patch/v5"
)

// NewJSONMergeOperator returns the only merge semantics this system
// supports: existing defaults to an empty JSON array, each
// operand is an RFC 6902 JSON Patch document (an ordered list of patch
// operations), and operands are applied sequentially. A patch that fails
// to apply is reported to onError and skipped (the document is left
// exactly as it was before that operand) and merging continues with the
// next operand. onError may be nil.
func NewJSONMergeOperator(onError func(operandIndex int, err error)) MergeFunc {
	return func(existing []byte, operands [][]byte) ([]byte, error) {
		doc := existing
		if len(doc) == 0 {
			doc = []byte("[]")
		}

		for i, operand := range operands {
			patch, err := jsonpatch.DecodePatch(operand)
			if err != nil {
				if onError != nil {
					onError(i, err)
				}
				continue
			}

			applied, err := patch.ApplyWithOptions(doc, jsonpatch.NewApplyOptions())
			if err != nil {
				if onError != nil {
					onError(i, err)
				}
				continue
			}
			doc = applied
		}

		return doc, nil
	}
}
