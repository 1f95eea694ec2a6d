package session

import (
	"context"
	"errors"
	"strings"

	"campaign-vtt/combat"
	"campaign-vtt/game"
)

// CharacterSummary is the display data the character subsystem exposes for a
// linked character. This core only ever reads it.
type CharacterSummary struct {
	Name      string `json:"name"`
	ImageURL  string `json:"imageUrl"`
	HPCurrent int    `json:"hpCurrent"`
	HPMax     int    `json:"hpMax"`
}

// ErrCharacterNotFound signals a dangling character reference.
var ErrCharacterNotFound = errors.New("session: character not found")

// CharacterProvider looks up display stats by character id. Implemented by
// the character/inventory subsystem; a lookup failure is never fatal here —
// the token renders with placeholder data instead.
type CharacterProvider interface {
	GetCharacterSummary(ctx context.Context, characterID string) (CharacterSummary, error)
}

// StaticCharacters is a fixed in-memory provider, useful for tests and for
// running the server without the character subsystem.
type StaticCharacters map[string]CharacterSummary

func (s StaticCharacters) GetCharacterSummary(ctx context.Context, characterID string) (CharacterSummary, error) {
	summary, ok := s[characterID]
	if !ok {
		return CharacterSummary{}, ErrCharacterNotFound
	}
	return summary, nil
}

const placeholderColor = "#888888"

// Initials derives a short label from a display name for placeholder
// rendering ("Goblin King" → "GK").
func Initials(name string) string {
	var b strings.Builder
	for _, word := range strings.Fields(name) {
		r := []rune(word)
		b.WriteRune(r[0])
		if b.Len() >= 2 {
			break
		}
	}
	return strings.ToUpper(b.String())
}

// RosterEntry is a participant joined with its token and, when resolvable,
// the linked character's display fields.
type RosterEntry struct {
	combat.Participant
	TokenName string            `json:"tokenName"`
	Color     string            `json:"color"`
	ImageRef  string            `json:"imageRef"`
	HPCurrent int               `json:"hpCurrent"`
	HPMax     int               `json:"hpMax"`
	Initials  string            `json:"initials"`
	Character *CharacterSummary `json:"character,omitempty"`
}

// enrichEntry builds the display row for one participant. A missing token or
// character yields placeholder fields, never an error: the roster keeps
// rendering with whatever is known.
func enrichEntry(ctx context.Context, p combat.Participant, token game.Token, chars CharacterProvider) RosterEntry {
	entry := RosterEntry{
		Participant: p,
		TokenName:   token.Name,
		Color:       token.Color,
		ImageRef:    token.ImageRef,
		HPCurrent:   token.HPCurrent,
		HPMax:       token.HPMax,
		Initials:    Initials(token.Name),
	}
	if entry.Color == "" {
		entry.Color = placeholderColor
	}
	if token.CharacterID != "" && chars != nil {
		summary, err := chars.GetCharacterSummary(ctx, token.CharacterID)
		if err == nil {
			entry.Character = &summary
		}
	}
	return entry
}
