package anthropic

// BuildCachedSystemBlocks returns a single system block with a 5 minute
// cache breakpoint.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{{
		Text:         text,
		CacheControl: &CacheControl{TTL: "5m"},
	}}
}
