package instrument

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tradedesk/internal/domain"
)

const sampleMaster = `Exch,ExchType,ScripCode,Name,Expiry,ScripType,StrikeRate,FullName,TickSize,LotSize,QtyLimit
N,C,2885,RELIANCE,1980-01-01 00:00:00,EQ,0,RELIANCE INDUSTRIES,0.05,1,0
N,D,43210,NIFTY 29 AUG 2024 CE 24000.00,2024-08-29 14:30:00,CE,24000,NIFTY 29 Aug 2024 CE 24000.00,0.05,25,0
B,C,500325,RELIANCE,,EQ,0,RELIANCE INDUSTRIES,0.05,1,5000
`

func TestParseCSV(t *testing.T) {
	list, err := ParseCSV(strings.NewReader(sampleMaster))
	if err != nil {
		t.Fatalf("ParseCSV returned error: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len(list) = %d, want 3", len(list))
	}
	if list[1].LotSize != 25 || list[1].Token != 43210 {
		t.Errorf("derivative row parsed as %+v", list[1])
	}
	if want := time.Date(2024, 8, 29, 14, 30, 0, 0, time.UTC); !list[1].Expiry.Equal(want) {
		t.Errorf("Expiry = %v, want %v", list[1].Expiry, want)
	}
}

func TestParseCSVMissingColumn(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("Exch,ScripCode\nN,1\n"))
	if err == nil {
		t.Fatal("ParseCSV accepted a header without required columns")
	}
}

func TestRegistryLookup(t *testing.T) {
	list, err := ParseCSV(strings.NewReader(sampleMaster))
	if err != nil {
		t.Fatalf("ParseCSV returned error: %v", err)
	}
	r := NewRegistry(list)

	inst, err := r.Lookup("n:reliance")
	if err != nil {
		t.Fatalf("Lookup returned error: %v", err)
	}
	if inst.Token != 2885 {
		t.Errorf("Token = %d, want 2885", inst.Token)
	}

	bse, err := r.Lookup("B:RELIANCE")
	if err != nil || bse.QtyLimit != 5000 {
		t.Errorf("B:RELIANCE = %+v, %v", bse, err)
	}

	opt, ok := r.ByToken(43210)
	if !ok {
		t.Fatal("ByToken(43210) not found")
	}
	if opt.QtyLimit != 1800 {
		t.Errorf("index derivative QtyLimit = %d, want 1800", opt.QtyLimit)
	}

	if _, err := r.Lookup("N:UNKNOWN"); !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("Lookup(unknown) error = %v, want ErrUnknownInstrument", err)
	}
	if _, err := r.Lookup("garbage"); !errors.Is(err, ErrUnknownInstrument) {
		t.Errorf("Lookup(garbage) error = %v, want ErrUnknownInstrument", err)
	}
}

func TestMasterRefreshKeepsPreviousOnFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ScripMaster.csv")
	if err := os.WriteFile(path, []byte(sampleMaster), 0o600); err != nil {
		t.Fatalf("write master: %v", err)
	}

	m, err := NewMaster(context.Background(), FileSource(path))
	if err != nil {
		t.Fatalf("NewMaster returned error: %v", err)
	}
	before := m.Registry()

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove master: %v", err)
	}
	if err := m.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh succeeded with a missing file")
	}
	if m.Registry() != before {
		t.Error("failed Refresh replaced the registry")
	}
	if _, err := m.Lookup("N:RELIANCE"); err != nil {
		t.Errorf("Lookup after failed refresh: %v", err)
	}
}

func TestStaticMaster(t *testing.T) {
	m := NewStaticMaster([]domain.Instrument{{Exchange: "N", Symbol: "NIFTY50", LotSize: 1}})
	if m.Registry().Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Registry().Len())
	}
}

func TestCurrentExpiry(t *testing.T) {
	calc := NewExpiryCalculator([]string{"20240815"})
	nifty := Indices["NIFTY"]
	date := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name  string
		today time.Time
		want  time.Time
	}{
		{"mid month weekly", date(2024, 8, 5), date(2024, 8, 8)},
		{"holiday thursday rolls back", date(2024, 8, 12), date(2024, 8, 14)},
		{"last week picks monthly", date(2024, 8, 26), date(2024, 8, 29)},
		{"expiry day in last week", date(2024, 8, 29), date(2024, 8, 29)},
	}
	for _, tt := range tests {
		if got := calc.CurrentExpiry(nifty, tt.today); !got.Equal(tt.want) {
			t.Errorf("%s: CurrentExpiry(%s) = %s, want %s", tt.name, tt.today.Format("2006-01-02"), got.Format("2006-01-02"), tt.want.Format("2006-01-02"))
		}
	}

	if spec, ok := IndexFor("banknifty 28 aug 2024 pe 50000"); !ok || spec.LotQuantity != 15 {
		t.Errorf("IndexFor(banknifty...) = %+v, %v", spec, ok)
	}
}

func TestStrikeLadder(t *testing.T) {
	tests := []struct {
		index string
		spot  float64
		want  []int64
	}{
		{"NIFTY", 24012.4, []int64{23850, 23900, 23950, 24000, 24050, 24100}},
		{"NIFTY", 24025, []int64{23850, 23900, 23950, 24000, 24050, 24100}},
		{"BANKNIFTY", 51060, []int64{50800, 50900, 51000, 51100, 51200, 51300}},
		{"NIFTY", 0, nil},
	}
	for _, tt := range tests {
		got := StrikeLadder(Indices[tt.index], tt.spot)
		if len(got) != len(tt.want) {
			t.Errorf("StrikeLadder(%s, %v) = %v, want %v", tt.index, tt.spot, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("StrikeLadder(%s, %v) = %v, want %v", tt.index, tt.spot, got, tt.want)
				break
			}
		}
	}
}

func TestOptionChain(t *testing.T) {
	nifty := Indices["NIFTY"]
	expiry := time.Date(2024, 8, 29, 0, 0, 0, 0, time.UTC)

	if got, want := OptionSymbol(nifty, expiry, OptionCall, 24000), "NIFTY 29 AUG 2024 CE 24000.00"; got != want {
		t.Errorf("OptionSymbol = %q, want %q", got, want)
	}

	keys := OptionChain(nifty, 24012.4, expiry)
	if len(keys) != 2*OptionChainDepth {
		t.Fatalf("len(OptionChain) = %d, want %d", len(keys), 2*OptionChainDepth)
	}
	if keys[0] != "N:NIFTY 29 AUG 2024 CE 23850.00" || keys[1] != "N:NIFTY 29 AUG 2024 PE 23850.00" {
		t.Errorf("first strike keys = %q, %q", keys[0], keys[1])
	}

	list, err := ParseCSV(strings.NewReader(sampleMaster))
	if err != nil {
		t.Fatalf("ParseCSV returned error: %v", err)
	}
	if _, err := NewRegistry(list).Lookup(keys[6]); err != nil {
		t.Errorf("chain key %q not found in master: %v", keys[6], err)
	}
}
