package bridge

// encodeBounded serializes o. When the result is over limit and o carries
// Shrinkable data, the data is shrunk once by factor and re-encoded. If that
// is still over limit a *SizeError with the final size is returned.
func encodeBounded(o Outbound, limit int, factor float64) (raw []byte, truncated bool, err error) {
	raw, err = json.Marshal(o)
	if err != nil {
		return nil, false, err
	}
	if limit <= 0 || len(raw) <= limit {
		return raw, false, nil
	}
	s, ok := o.Data.(Shrinkable)
	if !ok {
		return nil, false, &SizeError{Limit: limit, Size: len(raw)}
	}
	shrunk, ok := s.Shrink(factor)
	if !ok {
		return nil, false, &SizeError{Limit: limit, Size: len(raw)}
	}
	o.Data = shrunk
	if raw, err = json.Marshal(o); err != nil {
		return nil, false, err
	}
	if len(raw) > limit {
		return nil, false, &SizeError{Limit: limit, Size: len(raw)}
	}
	return raw, true, nil
}

// FitList applies the same truncation law to an element list on its own,
// measuring the list's serialized size. It returns the list unchanged when it
// fits.
func FitList(l ElementList, limit int, factor float64) (ElementList, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return ElementList{}, err
	}
	if limit <= 0 || len(b) <= limit {
		return l, nil
	}
	shrunk, ok := l.shrink(factor)
	if !ok {
		return ElementList{}, &SizeError{Limit: limit, Size: len(b)}
	}
	if b, err = json.Marshal(shrunk); err != nil {
		return ElementList{}, err
	}
	if len(b) > limit {
		return ElementList{}, &SizeError{Limit: limit, Size: len(b)}
	}
	return shrunk, nil
}
