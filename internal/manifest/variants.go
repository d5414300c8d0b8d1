package manifest

// classify applies the exclusive, first-match classification rules from
// spec §4.2 and validates the required/forbidden card sets for the chosen
// variant.
func (b *builder) classify() (*Manifest, error) {
	switch {
	case b.haveF || b.haveR || b.haveB:
		b.m.Kind = Checkin
		if err := b.require("D,U", b.haveD, b.haveU); err != nil {
			return nil, err
		}
		if err := b.forbid("M,J,K,W,L,E,A", b.haveM, b.haveJ, b.haveK, b.haveW, b.haveL, b.haveE, b.haveA); err != nil {
			return nil, err
		}

	case b.haveM:
		b.m.Kind = Cluster
		if err := b.forbid("D,C,U,T,P,J,K,W,L,E,A", b.haveD, b.haveC, b.haveU, b.haveT, b.haveP, b.haveJ, b.haveK, b.haveW, b.haveL, b.haveE, b.haveA); err != nil {
			return nil, err
		}

	case b.haveJ:
		b.m.Kind = Ticket
		if err := b.require("D,U,K", b.haveD, b.haveU, b.haveK); err != nil {
			return nil, err
		}
		if err := b.forbid("M,W,L,E,A", b.haveM, b.haveW, b.haveL, b.haveE, b.haveA); err != nil {
			return nil, err
		}

	case b.haveE:
		b.m.Kind = Event
		if err := b.require("D,W", b.haveD, b.haveW); err != nil {
			return nil, err
		}
		if err := b.forbid("K,L,A", b.haveK, b.haveL, b.haveA); err != nil {
			return nil, err
		}
		for _, t := range b.m.Tags {
			if t.Op != TagSingleton || t.Target != "*" {
				return nil, errf(KindIllegalCombination, 0, "event manifest T cards must be single-scope with no uuid target")
			}
		}

	case b.haveW:
		b.m.Kind = Wiki
		if err := b.require("D,L", b.haveD, b.haveL); err != nil {
			return nil, err
		}

	case b.haveT:
		b.m.Kind = TagControl
		if err := b.require("D", b.haveD); err != nil {
			return nil, err
		}
		if err := b.forbid("P", b.haveP); err != nil {
			return nil, err
		}

	case b.haveA:
		b.m.Kind = Attachment
		if err := b.require("D", b.haveD); err != nil {
			return nil, err
		}

	default:
		b.m.Kind = Checkin
		if err := b.require("D,U", b.haveD, b.haveU); err != nil {
			return nil, err
		}
	}

	return &b.m, nil
}

// require/forbid pair a comma-separated card-letter label (used only for
// error messages) with the already-evaluated presence booleans, in the
// same order, so the message can name exactly which card is missing or
// present when it shouldn't be.
func (b *builder) require(names string, flags ...bool) error {
	letters := splitLabels(names)
	for i, ok := range flags {
		if !ok {
			return errf(KindMissingRequired, 0, "missing required %s card", letters[i])
		}
	}
	return nil
}

func (b *builder) forbid(names string, flags ...bool) error {
	letters := splitLabels(names)
	for i, bad := range flags {
		if bad {
			return errf(KindIllegalCombination, 0, "forbidden %s card present for this variant", letters[i])
		}
	}
	return nil
}

func splitLabels(names string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(names); i++ {
		if i == len(names) || names[i] == ',' {
			out = append(out, names[start:i])
			start = i + 1
		}
	}
	return out
}
