package gpio

import "testing"

func TestMockDriver_ReadsBackWrites(t *testing.T) {
	d := NewMockDriver()
	if err := d.WritePin(17, High); err != nil {
		t.Fatal(err)
	}
	if level, _ := d.ReadPin(17); level != High {
		t.Errorf("pin 17 = %v, want High", level)
	}
	if level, _ := d.ReadPin(4); level != Low {
		t.Errorf("untouched pin = %v, want Low", level)
	}
}

func TestMockDriver_PullUpReadsHigh(t *testing.T) {
	d := NewMockDriver()
	if err := d.SetupPin(27, InputPullUp); err != nil {
		t.Fatal(err)
	}
	if level, _ := d.ReadPin(27); level != High {
		t.Errorf("pulled-up pin = %v, want High", level)
	}
	d.SetLevel(27, Low)
	if level, _ := d.ReadPin(27); level != Low {
		t.Errorf("grounded pin = %v, want Low", level)
	}
}

func TestNewDriver_Mock(t *testing.T) {
	d, err := NewDriver(true)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*MockDriver); !ok {
		t.Errorf("driver = %T, want *MockDriver", d)
	}
	if err := d.Close(); err != nil {
		t.Error(err)
	}
}
