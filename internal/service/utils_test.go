package service

import (
	"testing"
	"time"
)

func TestFormatInterval(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{time.Hour, "1h"},
		{5 * time.Minute, "5m"},
		{90 * time.Second, "90s"},
		{1500 * time.Millisecond, "1.5s"},
	}
	for _, tt := range tests {
		if got := FormatInterval(tt.in); got != tt.want {
			t.Errorf("FormatInterval(%v)=%q, expected %q", tt.in, got, tt.want)
		}
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5", 5 * time.Second, false},
		{"2m", 2 * time.Minute, false},
		{" 1s ", time.Second, false},
		{"", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseInterval(%q) err=%v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("ParseInterval(%q)=%v, expected %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestStringToNumber(t *testing.T) {
	if f, err := StringToFloat(" 1.5 "); err != nil || f != 1.5 {
		t.Fatalf("StringToFloat=%v, %v", f, err)
	}
	if i, err := StringToInt("42\n"); err != nil || i != 42 {
		t.Fatalf("StringToInt=%v, %v", i, err)
	}
	if _, err := StringToInt("4.2"); err == nil {
		t.Fatal("expected an error for a non-integer")
	}
	if _, err := StringToFloat("abc"); err == nil {
		t.Fatal("expected an error for a non-number")
	}
}
