package aeskey

// Validate reports whether window starts with a well-formed key schedule of
// the given size. The leading Nk words are taken as the key, the remaining
// words are recomputed one at a time and compared against window, and the
// first mismatch ends the check. Most windows are not key schedules, so the
// common path is a rejection after a single word.
//
// On success the recomputed schedule, which equals the window prefix, is
// returned. window must hold at least size.ScheduleLen() bytes.
func Validate(window []byte, size KeySize) (Schedule, bool) {
	if !size.Valid() || len(window) < size.ScheduleLen() {
		return Schedule{}, false
	}
	var s Schedule
	s.size = size
	nk := size.Nk()
	copy(s.b[:4*nk], window)

	prev := s.Word(nk - 1)
	for i := nk; i < size.Words(); i++ {
		w := s.Word(i-nk) ^ mix(prev, i, nk)
		if w != loadWord(window, i) {
			return Schedule{}, false
		}
		s.putWord(i, w)
		prev = w
	}
	return s, true
}
