package sms

import (
	"errors"
	"strings"
)

// Marker is the single-character continuation marker carried by paginated
// transport units.
const Marker = "…"

// MessageBreak splits an assistant reply into intentional message boundaries.
const MessageBreak = "|"

var ErrUnitTooSmall = errors.New("sms: max unit length must be at least 3")

// Unit is one transport-sized piece of a reply. HasMore signals that another
// unit follows and the transport should redirect for it.
type Unit struct {
	Text    string
	HasMore bool
}

// Paginate splits text into transport units of at most maxUnitLen characters.
//
// A reply that fits in one unit carries no markers. Otherwise the first unit
// is truncated to maxUnitLen-1 characters plus a trailing marker; interior
// units carry both markers around maxUnitLen-2 characters of text; the final
// unit carries only the leading marker. Truncation consumes the character the
// marker displaces, so a non-final unit advances one character further into
// the source than it delivers.
//
// Pure and restartable: identical inputs yield identical output.
func Paginate(text string, maxUnitLen int) ([]Unit, error) {
	if maxUnitLen < 3 {
		return nil, ErrUnitTooSmall
	}
	r := []rune(text)
	if len(r) == 0 {
		return nil, nil
	}

	var units []Unit
	pos := 0
	for {
		remaining := len(r) - pos
		if pos == 0 {
			if remaining <= maxUnitLen {
				units = append(units, Unit{Text: string(r)})
				break
			}
			units = append(units, Unit{
				Text:    string(r[:maxUnitLen-1]) + Marker,
				HasMore: true,
			})
			pos += maxUnitLen
			continue
		}
		if remaining <= maxUnitLen-1 {
			units = append(units, Unit{Text: Marker + string(r[pos:])})
			break
		}
		units = append(units, Unit{
			Text:    Marker + string(r[pos:pos+maxUnitLen-2]) + Marker,
			HasMore: true,
		})
		pos += maxUnitLen - 1
	}
	return units, nil
}

// PaginateReply paginates a full assistant reply for SMS delivery, honoring
// explicit message breaks first and length limits second. Every unit except
// the last reports HasMore.
func PaginateReply(text string, maxUnitLen int) ([]Unit, error) {
	var units []Unit
	for _, piece := range strings.Split(text, MessageBreak) {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		pieceUnits, err := Paginate(piece, maxUnitLen)
		if err != nil {
			return nil, err
		}
		units = append(units, pieceUnits...)
	}
	for i := range units {
		units[i].HasMore = i < len(units)-1
	}
	return units, nil
}
