package connector

// UpsertChargingProfile implements spec.md §3's uniqueness policy: "a profile
// with the same chargingProfileId OR with the same (stackLevel,
// chargingProfilePurpose) pair replaces in place; otherwise it is appended."
// Open Question in spec.md §9 resolved per DESIGN.md: replace on first match,
// else append — no double-apply.
func (c *Connector) UpsertChargingProfile(p ChargingProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.ChargingProfiles {
		if existing.ChargingProfileId == p.ChargingProfileId ||
			(existing.StackLevel == p.StackLevel && existing.ChargingProfilePurpose == p.ChargingProfilePurpose) {
			c.ChargingProfiles[i] = p
			return
		}
	}
	c.ChargingProfiles = append(c.ChargingProfiles, p)
}

// ClearChargingProfiles implements spec.md §4.5's ClearChargingProfile match
// rule against this connector's profiles and returns how many were removed.
//
//	- id set: match chargingProfileId.
//	- stackLevel set (purpose absent): match stackLevel.
//	- purpose set (stackLevel absent): match purpose.
//	- both set: match the pair.
//	- none set: clear everything.
func (c *Connector) ClearChargingProfiles(id *int, stackLevel *int, purpose *string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id == nil && stackLevel == nil && purpose == nil {
		n := len(c.ChargingProfiles)
		c.ChargingProfiles = nil
		return n
	}

	kept := c.ChargingProfiles[:0]
	removed := 0
	for _, p := range c.ChargingProfiles {
		if matchesClear(p, id, stackLevel, purpose) {
			removed++
			continue
		}
		kept = append(kept, p)
	}
	c.ChargingProfiles = kept
	return removed
}

func matchesClear(p ChargingProfile, id *int, stackLevel *int, purpose *string) bool {
	if id != nil && p.ChargingProfileId == *id {
		return true
	}
	switch {
	case stackLevel != nil && purpose != nil:
		return p.StackLevel == *stackLevel && string(p.ChargingProfilePurpose) == *purpose
	case stackLevel != nil:
		return p.StackLevel == *stackLevel
	case purpose != nil:
		return string(p.ChargingProfilePurpose) == *purpose
	}
	return false
}
