package eveapi

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// envelope is the document every XML API endpoint returns:
//
//	<eveapi version="2">
//	  <currentTime>...</currentTime>
//	  <result><rowset ...><row .../></rowset></result>
//	  <cachedUntil>...</cachedUntil>
//	</eveapi>
type envelope struct {
	XMLName xml.Name  `xml:"eveapi"`
	Error   *apiError `xml:"error"`
	Rows    []row     `xml:"result>rowset>row"`
}

type apiError struct {
	Code    int    `xml:"code,attr"`
	Message string `xml:",chardata"`
}

type row struct {
	Name            string `xml:"name,attr"`
	CharacterID     string `xml:"characterID,attr"`
	CharacterName   string `xml:"characterName,attr"`
	CorporationID   string `xml:"corporationID,attr"`
	CorporationName string `xml:"corporationName,attr"`
	AllianceID      string `xml:"allianceID,attr"`
	AllianceName    string `xml:"allianceName,attr"`
	FactionID       string `xml:"factionID,attr"`
	FactionName     string `xml:"factionName,attr"`
}

// Affiliation is one row of the CharacterAffiliation endpoint. Zero ids and
// empty names mean the character is not in an alliance or faction.
type Affiliation struct {
	CharacterID     int64
	CharacterName   string
	CorporationID   int64
	CorporationName string
	AllianceID      int64
	AllianceName    string
	FactionID       int64
	FactionName     string
}

var replacementChar = []byte("\uFFFD")

// sanitize maps invalid UTF-8 and U+FFFD replacement characters, which the
// API emits for names it cannot encode, to '?'.
func sanitize(data []byte) []byte {
	data = bytes.ToValidUTF8(data, []byte("?"))
	return bytes.ReplaceAll(data, replacementChar, []byte("?"))
}

func decode(data []byte) (*envelope, error) {
	var env envelope
	if err := xml.Unmarshal(sanitize(data), &env); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if env.Error != nil {
		return nil, &APIError{Code: env.Error.Code, Message: strings.TrimSpace(env.Error.Message)}
	}
	return &env, nil
}

// ParseCharacterIDs decodes a CharacterID response into a name → id map.
// Rows whose id is missing or malformed map to 0, i.e. unresolved.
func ParseCharacterIDs(data []byte) (map[string]int64, error) {
	env, err := decode(data)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]int64, len(env.Rows))
	for _, r := range env.Rows {
		id, err := parseID(r.CharacterID)
		if err != nil {
			id = 0
		}
		ids[r.Name] = id
	}
	return ids, nil
}

// ParseAffiliations decodes a CharacterAffiliation response into an
// id → affiliation map. A row without a valid corporation is an error.
func ParseAffiliations(data []byte) (map[int64]Affiliation, error) {
	env, err := decode(data)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]Affiliation, len(env.Rows))
	for _, r := range env.Rows {
		a, err := r.affiliation()
		if err != nil {
			return nil, err
		}
		out[a.CharacterID] = a
	}
	return out, nil
}

func (r row) affiliation() (Affiliation, error) {
	charID, err := parseID(r.CharacterID)
	if err != nil || charID == 0 {
		return Affiliation{}, fmt.Errorf("affiliation row without character id %q", r.CharacterID)
	}
	corpID, err := parseID(r.CorporationID)
	if err != nil || corpID == 0 {
		return Affiliation{}, fmt.Errorf("character %d: invalid corporation id %q", charID, r.CorporationID)
	}
	allianceID, err := parseID(r.AllianceID)
	if err != nil {
		return Affiliation{}, fmt.Errorf("character %d: invalid alliance id %q", charID, r.AllianceID)
	}
	factionID, err := parseID(r.FactionID)
	if err != nil {
		return Affiliation{}, fmt.Errorf("character %d: invalid faction id %q", charID, r.FactionID)
	}

	return Affiliation{
		CharacterID:     charID,
		CharacterName:   r.CharacterName,
		CorporationID:   corpID,
		CorporationName: r.CorporationName,
		AllianceID:      allianceID,
		AllianceName:    r.AllianceName,
		FactionID:       factionID,
		FactionName:     r.FactionName,
	}, nil
}

// parseID treats a missing attribute as 0.
func parseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
