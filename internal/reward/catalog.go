package reward

// localCatalog is shown when the remote store cannot be reached.
var localCatalog = []Reward{
	{Title: "Hot Cocoa Kit", Description: "A rich cocoa mix with mini marshmallows."},
	{Title: "Wool Mittens", Description: "Cozy wool mittens to keep your hands warm."},
	{Title: "Snowflake Ornament", Description: "A sparkling ornament for your tree."},
	{Title: "Storybook Collection", Description: "A bundle of bedtime stories for snowy nights."},
	{Title: "Mystery Key", Description: "A key that surely unlocks something someday."},
	{Title: "Cozy Blanket", Description: "A warm blanket for movie nights."},
}

// LocalFallback picks one entry of the local catalog.
func LocalFallback(intn func(n int) int) Reward {
	r := localCatalog[intn(len(localCatalog))]
	r.Source = SourceLocal
	return r
}

// LocalCatalog returns a copy of the local catalog.
func LocalCatalog() []Reward {
	out := make([]Reward, len(localCatalog))
	copy(out, localCatalog)
	return out
}
