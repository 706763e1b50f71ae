// Package storage defines the durable collaborator interfaces the ingestion
// pipeline writes through, plus a SQLite implementation.
package storage

import "time"

// Match is one completed game instance. Created once from a successfully
// fetched carnage report, never mutated afterwards.
type Match struct {
	InstanceID           int64
	Period               time.Time
	ReferenceID          int64
	DirectorActivityHash int64
	StartingPhaseIndex   int
	Mode                 int
	Modes                []int
	IsPrivate            bool
	System               int

	Participants []MatchParticipant
}

// MatchParticipant is one player's per-character record within a match.
type MatchParticipant struct {
	DestinyID      int64
	BungieName     string
	CharacterID    int64
	CharacterClass string
	CharacterLevel int
	System         int
	LightLevel     int
	EmblemHash     int64
	Standing       int
	Completed      bool

	Kills             int
	Deaths            int
	Assists           int
	OpponentsDefeated int
	Efficiency        float64
	KillsDeathsRatio  float64
	KillsDeathsAssist float64
	Score             int
	CompletionReason  int
	StartSeconds      int
	ActivityDuration  int
	TimePlayed        int
	PlayerCount       int
	TeamScore         int

	PrecisionKills     int
	WeaponKillsGrenade int
	WeaponKillsMelee   int
	WeaponKillsSuper   int
	WeaponKillsAbility int

	Weapons []WeaponUsage
}

// WeaponUsage is one participant's kill counters for one weapon.
type WeaponUsage struct {
	WeaponID       int64
	Kills          int
	PrecisionKills int
}

// PendingFetch records a carnage report fetch that failed and must be
// retried later. Survives process restarts.
type PendingFetch struct {
	InstanceID int64
	Period     time.Time
}

// Player is a registered player whose history gets ingested.
type Player struct {
	DestinyID int64
	DiscordID int64
	System    int
}
