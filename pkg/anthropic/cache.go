package anthropic

// BuildCachedSystemBlocks returns text as a single system block with an
// ephemeral cache breakpoint. The extraction instructions are identical
// for every page of a run, so later pages read them from cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text:         text,
			CacheControl: &CacheControl{TTL: "5m"},
		},
	}
}
