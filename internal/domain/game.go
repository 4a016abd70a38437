package domain

import "time"

// Commodity is one of the three tradeable goods.
type Commodity string

const (
	FuelOre   Commodity = "fuel_ore"
	Organics  Commodity = "organics"
	Equipment Commodity = "equipment"
)

// Commodities lists all goods in display order (ore, organics, equipment).
var Commodities = []Commodity{FuelOre, Organics, Equipment}

// PortClass encodes the port's buy/sell pattern for the three commodities
// in display order. Class 1 is "BBS": buys ore, buys organics, sells
// equipment. Class 9 is the StarDock, class 0 means unknown.
type PortClass int

var portCodes = map[PortClass]string{
	1: "BBS", 2: "BSB", 3: "SBB", 4: "SSB",
	5: "SBS", 6: "BSS", 7: "SSS", 8: "BBB",
	9: "---",
}

// Code returns the three-letter buy/sell code, or "???" when unknown.
func (c PortClass) Code() string {
	if s, ok := portCodes[c]; ok {
		return s
	}
	return "???"
}

// ClassFromCode resolves a three-letter code back to a class, 0 if unknown.
func ClassFromCode(code string) PortClass {
	for c, s := range portCodes {
		if s == code {
			return c
		}
	}
	return 0
}

// Buys reports whether the port buys the commodity from the player.
func (c PortClass) Buys(g Commodity) bool {
	code := c.Code()
	for i, cm := range Commodities {
		if cm == g && i < len(code) {
			return code[i] == 'B'
		}
	}
	return false
}

// Sells reports whether the port sells the commodity to the player.
func (c PortClass) Sells(g Commodity) bool {
	code := c.Code()
	for i, cm := range Commodities {
		if cm == g && i < len(code) {
			return code[i] == 'S'
		}
	}
	return false
}

// Port is the last-seen trading state of one port.
type Port struct {
	Sector   int
	Name     string
	Class    PortClass
	Amounts  map[Commodity]int // units on hand
	Percents map[Commodity]int // stock percentage, drives price
	LastSeen time.Time
}

// SectorInfo is the last-seen state of one sector.
type SectorInfo struct {
	ID       int
	Warps    []int
	HasPort  bool
	PortName string
	Planets  []string
	Fighters int // hostile fighters present
	LastSeen time.Time
}

// Player is the character sheet the tracker maintains from info screens.
type Player struct {
	Name       string
	Credits    int64
	TurnsLeft  int
	Experience int
	Alignment  int
	Corp       string
}

// Ship is the current vessel state.
type Ship struct {
	Name      string
	Holds     int
	HoldsUsed int
	Fighters  int
	Shields   int
	Cargo     map[Commodity]int
}

// HoldsFree returns empty cargo space.
func (s Ship) HoldsFree() int {
	n := s.Holds - s.HoldsUsed
	if n < 0 {
		return 0
	}
	return n
}
