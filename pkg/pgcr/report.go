// Package pgcr decodes post game carnage report documents into typed
// structs and converts them into storage rows. Malformed upstream payloads
// fail at this one boundary instead of scattering through the pipeline.
package pgcr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/guardianworks/destiny-activity-client/pkg/storage"
)

// Report is a full post game carnage report.
type Report struct {
	Period             time.Time       `json:"period"`
	StartingPhaseIndex int             `json:"startingPhaseIndex"`
	ActivityDetails    ActivityDetails `json:"activityDetails"`
	Entries            []Entry         `json:"entries"`
}

// ActivityDetails identifies the activity the report belongs to.
type ActivityDetails struct {
	ReferenceID          int64  `json:"referenceId"`
	DirectorActivityHash int64  `json:"directorActivityHash"`
	InstanceID           string `json:"instanceId"`
	Mode                 int    `json:"mode"`
	Modes                []int  `json:"modes"`
	IsPrivate            bool   `json:"isPrivate"`
	MembershipType       int    `json:"membershipType"`
}

// Entry is one player's per-character record within the report.
type Entry struct {
	CharacterID string          `json:"characterId"`
	Standing    int             `json:"standing"`
	Player      Player          `json:"player"`
	Values      map[string]Stat `json:"values"`
	Extended    Extended        `json:"extended"`
}

// Player identifies the account and character behind an entry.
type Player struct {
	DestinyUserInfo UserInfo `json:"destinyUserInfo"`
	CharacterClass  string   `json:"characterClass"`
	CharacterLevel  int      `json:"characterLevel"`
	LightLevel      int      `json:"lightLevel"`
	EmblemHash      int64    `json:"emblemHash"`
}

// UserInfo is the account identity block.
type UserInfo struct {
	MembershipID                string `json:"membershipId"`
	MembershipType              int    `json:"membershipType"`
	BungieGlobalDisplayName     string `json:"bungieGlobalDisplayName"`
	BungieGlobalDisplayNameCode int    `json:"bungieGlobalDisplayNameCode"`
}

// Extended holds precision and weapon subtotals.
type Extended struct {
	Values  map[string]Stat `json:"values"`
	Weapons []Weapon        `json:"weapons"`
}

// Weapon is one weapon's kill counters for an entry.
type Weapon struct {
	ReferenceID int64           `json:"referenceId"`
	Values      map[string]Stat `json:"values"`
}

// Stat is Bungie's nested stat value shape.
type Stat struct {
	Basic BasicValue `json:"basic"`
}

// BasicValue carries the numeric value and its display form.
type BasicValue struct {
	Value        float64 `json:"value"`
	DisplayValue string  `json:"displayValue"`
}

// Decode parses a raw carnage report document.
func Decode(data []byte) (*Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode carnage report: %w", err)
	}
	if r.ActivityDetails.InstanceID == "" {
		return nil, fmt.Errorf("carnage report missing instance id")
	}
	return &r, nil
}

// InstanceID parses the report's instance id.
func (r *Report) InstanceID() (int64, error) {
	id, err := strconv.ParseInt(r.ActivityDetails.InstanceID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse instance id %q: %w", r.ActivityDetails.InstanceID, err)
	}
	return id, nil
}

// ToMatch converts the report into a storage row tree.
func (r *Report) ToMatch() (storage.Match, error) {
	instanceID, err := r.InstanceID()
	if err != nil {
		return storage.Match{}, err
	}

	m := storage.Match{
		InstanceID:           instanceID,
		Period:               r.Period,
		ReferenceID:          r.ActivityDetails.ReferenceID,
		DirectorActivityHash: r.ActivityDetails.DirectorActivityHash,
		StartingPhaseIndex:   r.StartingPhaseIndex,
		Mode:                 r.ActivityDetails.Mode,
		Modes:                r.ActivityDetails.Modes,
		IsPrivate:            r.ActivityDetails.IsPrivate,
		System:               r.ActivityDetails.MembershipType,
	}

	for i := range r.Entries {
		p, err := r.Entries[i].toParticipant()
		if err != nil {
			return storage.Match{}, fmt.Errorf("entry %d of %d: %w", i, instanceID, err)
		}
		m.Participants = append(m.Participants, p)
	}

	return m, nil
}

func (e *Entry) toParticipant() (storage.MatchParticipant, error) {
	destinyID, err := strconv.ParseInt(e.Player.DestinyUserInfo.MembershipID, 10, 64)
	if err != nil {
		return storage.MatchParticipant{}, fmt.Errorf("parse membership id: %w", err)
	}

	characterID, err := strconv.ParseInt(e.CharacterID, 10, 64)
	if err != nil {
		return storage.MatchParticipant{}, fmt.Errorf("parse character id: %w", err)
	}

	info := e.Player.DestinyUserInfo
	p := storage.MatchParticipant{
		DestinyID:      destinyID,
		BungieName:     fmt.Sprintf("%s#%d", info.BungieGlobalDisplayName, info.BungieGlobalDisplayNameCode),
		CharacterID:    characterID,
		CharacterClass: e.Player.CharacterClass,
		CharacterLevel: e.Player.CharacterLevel,
		System:         info.MembershipType,
		LightLevel:     e.Player.LightLevel,
		EmblemHash:     e.Player.EmblemHash,
		Standing:       e.Standing,
		Completed:      e.intValue("completed") == 1,

		Kills:             e.intValue("kills"),
		Deaths:            e.intValue("deaths"),
		Assists:           e.intValue("assists"),
		OpponentsDefeated: e.intValue("opponentsDefeated"),
		Efficiency:        e.floatValue("efficiency"),
		KillsDeathsRatio:  e.floatValue("killsDeathsRatio"),
		KillsDeathsAssist: e.floatValue("killsDeathsAssists"),
		Score:             e.intValue("score"),
		CompletionReason:  e.intValue("completionReason"),
		StartSeconds:      e.intValue("startSeconds"),
		ActivityDuration:  e.intValue("activityDurationSeconds"),
		TimePlayed:        e.intValue("timePlayedSeconds"),
		PlayerCount:       e.intValue("playerCount"),
		TeamScore:         e.intValue("teamScore"),

		PrecisionKills:     e.extendedValue("precisionKills"),
		WeaponKillsGrenade: e.extendedValue("weaponKillsGrenade"),
		WeaponKillsMelee:   e.extendedValue("weaponKillsMelee"),
		WeaponKillsSuper:   e.extendedValue("weaponKillsSuper"),
		WeaponKillsAbility: e.extendedValue("weaponKillsAbility"),
	}

	for _, w := range e.Extended.Weapons {
		p.Weapons = append(p.Weapons, storage.WeaponUsage{
			WeaponID:       w.ReferenceID,
			Kills:          int(w.Values["uniqueWeaponKills"].Basic.Value),
			PrecisionKills: int(w.Values["uniqueWeaponPrecisionKills"].Basic.Value),
		})
	}

	return p, nil
}

func (e *Entry) intValue(name string) int {
	return int(e.Values[name].Basic.Value)
}

func (e *Entry) floatValue(name string) float64 {
	return e.Values[name].Basic.Value
}

func (e *Entry) extendedValue(name string) int {
	return int(e.Extended.Values[name].Basic.Value)
}
