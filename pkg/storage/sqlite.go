package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; serialize access through one connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS matches (
		instance_id INTEGER PRIMARY KEY,
		period INTEGER NOT NULL,
		reference_id INTEGER NOT NULL,
		director_activity_hash INTEGER NOT NULL,
		starting_phase_index INTEGER NOT NULL,
		mode INTEGER NOT NULL,
		modes TEXT NOT NULL,
		is_private INTEGER NOT NULL,
		system INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS match_participants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instance_id INTEGER NOT NULL REFERENCES matches(instance_id),
		destiny_id INTEGER NOT NULL,
		bungie_name TEXT NOT NULL,
		character_id INTEGER NOT NULL,
		character_class TEXT,
		character_level INTEGER NOT NULL,
		system INTEGER NOT NULL,
		light_level INTEGER NOT NULL,
		emblem_hash INTEGER NOT NULL,
		standing INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		kills INTEGER NOT NULL,
		deaths INTEGER NOT NULL,
		assists INTEGER NOT NULL,
		opponents_defeated INTEGER NOT NULL,
		efficiency REAL NOT NULL,
		kills_deaths_ratio REAL NOT NULL,
		kills_deaths_assists REAL NOT NULL,
		score INTEGER NOT NULL,
		completion_reason INTEGER NOT NULL,
		start_seconds INTEGER NOT NULL,
		activity_duration_seconds INTEGER NOT NULL,
		time_played_seconds INTEGER NOT NULL,
		player_count INTEGER NOT NULL,
		team_score INTEGER NOT NULL,
		precision_kills INTEGER NOT NULL,
		weapon_kills_grenade INTEGER NOT NULL,
		weapon_kills_melee INTEGER NOT NULL,
		weapon_kills_super INTEGER NOT NULL,
		weapon_kills_ability INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_participants_destiny
		ON match_participants(destiny_id);
	CREATE TABLE IF NOT EXISTS participant_weapons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		participant_id INTEGER NOT NULL REFERENCES match_participants(id),
		weapon_id INTEGER NOT NULL,
		unique_weapon_kills INTEGER NOT NULL,
		unique_weapon_precision_kills INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS pending_fetches (
		instance_id INTEGER PRIMARY KEY,
		period INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS cursors (
		destiny_id INTEGER PRIMARY KEY,
		last_updated INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS players (
		destiny_id INTEGER PRIMARY KEY,
		discord_id INTEGER NOT NULL,
		system INTEGER NOT NULL
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// MatchExists reports whether a match is already persisted.
func (s *SQLiteStore) MatchExists(ctx context.Context, instanceID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM matches WHERE instance_id = ?", instanceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("match exists: %w", err)
	}
	return true, nil
}

// InsertMatchBatch persists matches in one transaction. A match whose
// instance id is already present is skipped entirely; everything else is
// committed together or not at all.
func (s *SQLiteStore) InsertMatchBatch(ctx context.Context, matches []Match) error {
	if len(matches) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	for _, m := range matches {
		modes, err := json.Marshal(m.Modes)
		if err != nil {
			return fmt.Errorf("marshal modes: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO matches
			(instance_id, period, reference_id, director_activity_hash,
			 starting_phase_index, mode, modes, is_private, system)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.InstanceID, m.Period.Unix(), m.ReferenceID, m.DirectorActivityHash,
			m.StartingPhaseIndex, m.Mode, string(modes), m.IsPrivate, m.System)
		if err != nil {
			return fmt.Errorf("insert match %d: %w", m.InstanceID, err)
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert match %d: %w", m.InstanceID, err)
		}
		if inserted == 0 {
			// Another run already persisted this match.
			continue
		}

		for _, p := range m.Participants {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO match_participants
				(instance_id, destiny_id, bungie_name, character_id,
				 character_class, character_level, system, light_level,
				 emblem_hash, standing, completed, kills, deaths, assists,
				 opponents_defeated, efficiency, kills_deaths_ratio,
				 kills_deaths_assists, score, completion_reason, start_seconds,
				 activity_duration_seconds, time_played_seconds, player_count,
				 team_score, precision_kills, weapon_kills_grenade,
				 weapon_kills_melee, weapon_kills_super, weapon_kills_ability)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.InstanceID, p.DestinyID, p.BungieName, p.CharacterID,
				p.CharacterClass, p.CharacterLevel, p.System, p.LightLevel,
				p.EmblemHash, p.Standing, p.Completed, p.Kills, p.Deaths, p.Assists,
				p.OpponentsDefeated, p.Efficiency, p.KillsDeathsRatio,
				p.KillsDeathsAssist, p.Score, p.CompletionReason, p.StartSeconds,
				p.ActivityDuration, p.TimePlayed, p.PlayerCount,
				p.TeamScore, p.PrecisionKills, p.WeaponKillsGrenade,
				p.WeaponKillsMelee, p.WeaponKillsSuper, p.WeaponKillsAbility)
			if err != nil {
				return fmt.Errorf("insert participant for %d: %w", m.InstanceID, err)
			}

			participantID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert participant for %d: %w", m.InstanceID, err)
			}

			for _, w := range p.Weapons {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO participant_weapons
					(participant_id, weapon_id, unique_weapon_kills,
					 unique_weapon_precision_kills)
					VALUES (?, ?, ?, ?)`,
					participantID, w.WeaponID, w.Kills, w.PrecisionKills); err != nil {
					return fmt.Errorf("insert weapon for %d: %w", m.InstanceID, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// ListPendingFetches returns every queued retry record.
func (s *SQLiteStore) ListPendingFetches(ctx context.Context) ([]PendingFetch, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT instance_id, period FROM pending_fetches ORDER BY period")
	if err != nil {
		return nil, fmt.Errorf("list pending fetches: %w", err)
	}
	defer rows.Close()

	var pending []PendingFetch
	for rows.Next() {
		var f PendingFetch
		var period int64
		if err := rows.Scan(&f.InstanceID, &period); err != nil {
			return nil, fmt.Errorf("scan pending fetch: %w", err)
		}
		f.Period = time.Unix(period, 0).UTC()
		pending = append(pending, f)
	}
	return pending, rows.Err()
}

// InsertPendingFetch queues a retry record. Inserting the same instance id
// twice keeps a single record.
func (s *SQLiteStore) InsertPendingFetch(ctx context.Context, f PendingFetch) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO pending_fetches (instance_id, period) VALUES (?, ?)",
		f.InstanceID, f.Period.Unix())
	if err != nil {
		return fmt.Errorf("insert pending fetch: %w", err)
	}
	return nil
}

// DeletePendingFetch removes a retry record.
func (s *SQLiteStore) DeletePendingFetch(ctx context.Context, instanceID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_fetches WHERE instance_id = ?", instanceID)
	if err != nil {
		return fmt.Errorf("delete pending fetch: %w", err)
	}
	return nil
}

// GetCursor returns the player's ingestion watermark, or the zero time when
// the player has never been ingested.
func (s *SQLiteStore) GetCursor(ctx context.Context, destinyID int64) (time.Time, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_updated FROM cursors WHERE destiny_id = ?", destinyID).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get cursor: %w", err)
	}
	return time.Unix(ts, 0).UTC(), nil
}

// SetCursor advances the player's ingestion watermark. The cursor only
// moves forward; a stale caller cannot rewind it.
func (s *SQLiteStore) SetCursor(ctx context.Context, destinyID int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (destiny_id, last_updated) VALUES (?, ?)
		ON CONFLICT(destiny_id) DO UPDATE SET last_updated = MAX(last_updated, excluded.last_updated)`,
		destinyID, t.Unix())
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// ListPlayers returns every registered player.
func (s *SQLiteStore) ListPlayers(ctx context.Context) ([]Player, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT destiny_id, discord_id, system FROM players ORDER BY destiny_id")
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var players []Player
	for rows.Next() {
		var p Player
		if err := rows.Scan(&p.DestinyID, &p.DiscordID, &p.System); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

// UpsertPlayer registers or updates a player.
func (s *SQLiteStore) UpsertPlayer(ctx context.Context, p Player) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO players (destiny_id, discord_id, system) VALUES (?, ?, ?)
		ON CONFLICT(destiny_id) DO UPDATE SET
			discord_id = excluded.discord_id,
			system = excluded.system`,
		p.DestinyID, p.DiscordID, p.System)
	if err != nil {
		return fmt.Errorf("upsert player: %w", err)
	}
	return nil
}

// CountMatches returns the number of persisted matches (used by tests and
// the daemon's startup log).
func (s *SQLiteStore) CountMatches(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM matches").Scan(&n); err != nil {
		return 0, fmt.Errorf("count matches: %w", err)
	}
	return n, nil
}
