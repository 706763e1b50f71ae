// Package bungie builds routes for the Bungie.net platform API endpoints the
// ingestion pipeline consumes.
package bungie

import "fmt"

// DefaultBaseURL is the Bungie.net platform root.
const DefaultBaseURL = "https://www.bungie.net/Platform"

// StatsRoute returns the account stats route, used to enumerate a player's
// characters (including deleted ones).
func StatsRoute(base string, membershipType int, destinyID int64) string {
	return fmt.Sprintf("%s/Destiny2/%d/Account/%d/Stats/", base, membershipType, destinyID)
}

// ActivitiesRoute returns the paged activity history route for one character.
// Pages are sorted newest first; mode, count and page go in the query string.
func ActivitiesRoute(base string, membershipType int, destinyID, characterID int64) string {
	return fmt.Sprintf("%s/Destiny2/%d/Account/%d/Character/%d/Stats/Activities/",
		base, membershipType, destinyID, characterID)
}

// PGCRRoute returns the post game carnage report route for one instance.
// PGCRs are immutable once issued.
func PGCRRoute(base string, instanceID int64) string {
	return fmt.Sprintf("%s/Destiny2/Stats/PostGameCarnageReport/%d/", base, instanceID)
}
