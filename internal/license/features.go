package license

// Feature flags carried in offline validation tokens as an opaque bitset.
// The token layer never interprets these; clients gate functionality on
// them locally.
const (
	FeatureCore uint64 = 1 << iota
	FeatureUpdates
	FeatureAdvancedReports
	FeaturePrioritySupport
	FeatureMultiUser
	FeatureAPIAccess
)

// featureSets maps license types to their feature bitsets
var featureSets = map[Type]uint64{
	TypeTrial:      FeatureCore,
	TypeStandard:   FeatureCore | FeatureUpdates,
	TypePremium:    FeatureCore | FeatureUpdates | FeatureAdvancedReports | FeaturePrioritySupport,
	TypeEnterprise: FeatureCore | FeatureUpdates | FeatureAdvancedReports | FeaturePrioritySupport | FeatureMultiUser | FeatureAPIAccess,
	TypeLifetime:   FeatureCore | FeatureUpdates | FeatureAdvancedReports,
}

// Features returns the feature bitset granted by a license type
func Features(t Type) uint64 {
	return featureSets[t]
}

// HasFeature reports whether a bitset includes the feature
func HasFeature(set, feature uint64) bool {
	return set&feature != 0
}
