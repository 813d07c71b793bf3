package codec

import "testing"

func decodeAll(t *testing.T, d *Decoder, data []byte) []Frame {
	t.Helper()
	var frames []Frame
	for _, b := range data {
		f, ok, err := d.Feed(b)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func TestEncodeDecodeDataRoundTrip(t *testing.T) {
	enc := NewEncoder()
	enc.PutSymbol(SymStartPacket)
	for _, b := range []byte("hello") {
		enc.PutData(b)
	}
	enc.PutSymbol(SymEndPacket)

	d := &Decoder{}
	frames := decodeAll(t, d, enc.Bytes())

	if len(frames) != 7 {
		t.Fatalf("got %d frames, want 7 (start + 5 data + end)", len(frames))
	}
	if frames[0].Symbol != SymStartPacket {
		t.Errorf("frames[0] = %v, want SymStartPacket", frames[0].Symbol)
	}
	var got []byte
	for _, f := range frames[1:6] {
		if !f.IsData {
			t.Fatalf("expected data frame, got %+v", f)
		}
		got = append(got, f.Data)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
	if frames[6].Symbol != SymEndPacket {
		t.Errorf("frames[6] = %v, want SymEndPacket", frames[6].Symbol)
	}
}

func TestEncodeDecodeEscapesSpecialDataByte(t *testing.T) {
	enc := NewEncoder()
	enc.PutData(byte(SymStartPacket)) // a data byte that collides with a control symbol

	d := &Decoder{}
	frames := decodeAll(t, d, enc.Bytes())
	if len(frames) != 1 || !frames[0].IsData || frames[0].Data != byte(SymStartPacket) {
		t.Fatalf("got %+v, want a single data frame carrying the escaped byte", frames)
	}
}

func TestEncodeDecodeParameterizedSymbol(t *testing.T) {
	enc := NewEncoder()
	enc.PutSymbolParam(SymHandshake1, 0xDEADBEEF)

	d := &Decoder{}
	frames := decodeAll(t, d, enc.Bytes())
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].Symbol != SymHandshake1 || frames[0].Param != 0xDEADBEEF {
		t.Fatalf("got %+v, want HANDSHAKE_1(0xDEADBEEF)", frames[0])
	}
}

func TestLinkExchangeHandshakeSequence(t *testing.T) {
	local := NewLinkExchange(LinkConfig{KeepAliveEveryCycles: 10, KeepAliveTimeoutMissed: 2})
	remote := NewLinkExchange(LinkConfig{KeepAliveEveryCycles: 10, KeepAliveTimeoutMissed: 2})

	sym, param := local.BeginHandshake(42)
	reply, err := remote.HandleFrame(Frame{Symbol: sym, Param: param})
	if err != nil {
		t.Fatalf("remote.HandleFrame: %v", err)
	}
	if remote.State() != LinkUp {
		t.Fatalf("remote state = %v, want up", remote.State())
	}
	if reply == nil {
		t.Fatal("expected HANDSHAKE_2 reply")
	}
	if _, err := local.HandleFrame(*reply); err != nil {
		t.Fatalf("local.HandleFrame: %v", err)
	}
	if local.State() != LinkUp {
		t.Fatalf("local state = %v, want up", local.State())
	}
}

func TestLinkExchangeResyncsOnMissedKeepAlives(t *testing.T) {
	l := NewLinkExchange(LinkConfig{KeepAliveEveryCycles: 1, KeepAliveTimeoutMissed: 1})
	l.state = LinkUp

	l.Tick() // miss 1
	if l.State() != LinkUp {
		t.Fatal("one missed keep-alive should not resync yet")
	}
	l.Tick() // miss 2, exceeds threshold
	if l.State() != LinkDown {
		t.Fatalf("state = %v, want down after exceeding missed keep-alive threshold", l.State())
	}
}

func TestLinkExchangeFlowControlCredits(t *testing.T) {
	l := NewLinkExchange(LinkConfig{KeepAliveEveryCycles: 10, KeepAliveTimeoutMissed: 2})
	l.state = LinkUp
	if _, err := l.HandleFrame(Frame{Symbol: SymFlowControl, Param: 3}); err != nil {
		t.Fatalf("HandleFrame: %v", err)
	}
	if l.SendCredits() != 3 {
		t.Fatalf("SendCredits = %d, want 3", l.SendCredits())
	}
	l.ConsumeCredit()
	l.ConsumeCredit()
	if l.SendCredits() != 1 {
		t.Fatalf("SendCredits = %d, want 1", l.SendCredits())
	}
}
