package checksum

import "testing"

func TestKnownVectors(t *testing.T) {
	check := []byte("123456789")

	if got := CRC16(check); got != 0x31C3 {
		t.Errorf("CRC16(%q) = 0x%04x, want 0x31C3", check, got)
	}
	if got := CRC32(check); got != 0xCBF43926 {
		t.Errorf("CRC32(%q) = 0x%08x, want 0xCBF43926", check, got)
	}
	if got := Sum8(nil); got != 0 {
		t.Errorf("Sum8(empty) = %d, want 0", got)
	}
	if got := CRC16(nil); got != 0 {
		t.Errorf("CRC16(empty) = 0x%04x, want 0", got)
	}
}

func TestSum8Wraps(t *testing.T) {
	data := []byte{0xff, 0x02, 0x10}
	if got := Sum8(data); got != 0x11 {
		t.Errorf("Sum8 = 0x%02x, want 0x11", got)
	}
}

func TestIncremental(t *testing.T) {
	data := []byte("The quick brown fox jumps over the lazy dog")

	for split := 0; split <= len(data); split += 7 {
		a, b := data[:split], data[split:]

		if got, want := UpdateSum8(Sum8(a), b), Sum8(data); got != want {
			t.Errorf("split %d: sum8 %d, want %d", split, got, want)
		}
		if got, want := UpdateCRC16(CRC16(a), b), CRC16(data); got != want {
			t.Errorf("split %d: crc16 0x%04x, want 0x%04x", split, got, want)
		}
		if got, want := UpdateCRC32(CRC32(a), b), CRC32(data); got != want {
			t.Errorf("split %d: crc32 0x%08x, want 0x%08x", split, got, want)
		}
	}
}

func TestCRC16Byte(t *testing.T) {
	data := []byte("ZMODEM")
	var crc uint16
	for _, b := range data {
		crc = UpdateCRC16Byte(crc, b)
	}
	if crc != CRC16(data) {
		t.Errorf("bytewise crc16 0x%04x, want 0x%04x", crc, CRC16(data))
	}
}

// Appending the big-endian CRC-16 to a message makes the CRC of the whole
// thing zero; receivers rely on this.
func TestCRC16Residue(t *testing.T) {
	data := []byte("residue check")
	crc := CRC16(data)
	all := append(append([]byte{}, data...), byte(crc>>8), byte(crc))
	if got := CRC16(all); got != 0 {
		t.Errorf("residue = 0x%04x, want 0", got)
	}
}
