package instrument

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/rfsweep/internal/link"
)

func TestDefaultVocabularyRenders(t *testing.T) {
	v := DefaultVocabulary()

	cmd, err := v.Render(CmdVSGFrequency, Args{Hz: 6.201e9})
	require.NoError(t, err)
	assert.Equal(t, ":SOUR1:FREQ:CW 6201000000;*OPC?", cmd)

	cmd, err = v.Render(CmdVSARefOffset, Args{Value: 12.5})
	require.NoError(t, err)
	assert.Equal(t, ":DISP:WIND:TRAC:Y:SCAL:RLEV:OFFS 12.5;*OPC?", cmd)

	cmd, err = v.Render(CmdVSGWaveform, Args{Text: "LTE_10M"})
	require.NoError(t, err)
	assert.Contains(t, cmd, "'LTE_10M'")

	cmd, err = v.Render(CmdVSAAverageCount, Args{Value: 10})
	require.NoError(t, err)
	assert.Equal(t, ":SENS:ADJ:NCAN:AVER:COUN 10;*OPC?", cmd)

	_, err = v.Render("no_such_command", Args{})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	for _, name := range v.Names() {
		assert.NotEmpty(t, v.Template(name), name)
	}
}

func TestLoadVocabularyOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vocab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vsa_noise: \"CALC:MARK2:FUNC:NOIS:RES?\"\n"), 0o644))

	v, err := LoadVocabulary(path)
	require.NoError(t, err)
	assert.Equal(t, "CALC:MARK2:FUNC:NOIS:RES?", v.Template(CmdVSANoise))
	assert.Equal(t, "*IDN?", v.Template(CmdIdentify))

	require.NoError(t, os.WriteFile(path, []byte("vsa_teleport: \"BEAM\"\n"), 0o644))
	_, err = LoadVocabulary(path)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	require.NoError(t, os.WriteFile(path, []byte("vsa_center: \"{{hz .Hz\"\n"), 0o644))
	_, err = LoadVocabulary(path)
	assert.Error(t, err)
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, "16", lastField("1;16"))
	assert.Equal(t, "-12.5", lastField(" -12.5 "))

	busy, err := parseBusy("16")
	require.NoError(t, err)
	assert.True(t, busy)
	busy, err = parseBusy("+0")
	require.NoError(t, err)
	assert.False(t, busy)
	_, err = parseBusy("idle")
	assert.ErrorIs(t, err, ErrMalformedResponse)

	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"1", "2"}, splitList("1, 2"))
}

type simBench struct {
	sim *Simulator
	vsg *VSG
	vsa *VSA
}

func startSimBench(t *testing.T, cfg SimulatorConfig) simBench {
	t.Helper()
	sim := NewSimulator(cfg)
	require.NoError(t, sim.Start())
	t.Cleanup(func() { sim.Close() })

	opts := link.DefaultOptions()
	opts.SessionLock = false
	opts.ReadTimeout = 200 * time.Millisecond
	opts.RetryDelay = time.Millisecond

	ctx := context.Background()
	g := link.New("vsg", sim.VSGAddr(), opts, nil)
	require.NoError(t, g.Connect(ctx))
	t.Cleanup(func() { g.Close() })
	a := link.New("vsa", sim.VSAAddr(), opts, nil)
	require.NoError(t, a.Connect(ctx))
	t.Cleanup(func() { a.Close() })

	return simBench{sim: sim, vsg: NewVSG(g, nil), vsa: NewVSA(a, nil)}
}

func TestDriversAgainstSimulator(t *testing.T) {
	b := startSimBench(t, SimulatorConfig{BusyPolls: 2, CableLossDB: 1.5})
	ctx := context.Background()

	idn, err := b.vsa.Identify(ctx)
	require.NoError(t, err)
	assert.Contains(t, idn, "FSW")

	require.NoError(t, b.vsg.Reset(ctx))
	require.NoError(t, b.vsg.SetFrequency(ctx, 3.5e9))
	require.NoError(t, b.vsg.SetPower(ctx, -10))
	require.NoError(t, b.vsg.RFOn(ctx))
	assert.True(t, b.sim.RFOn())

	require.NoError(t, b.vsa.SetMode(ctx, ModeNR))
	require.NoError(t, b.vsa.SetCenter(ctx, 3.5e9))
	require.NoError(t, b.vsa.SetRefOffset(ctx, 1.5))
	require.NoError(t, b.vsa.Acquire(ctx, time.Second, time.Millisecond))
	assert.False(t, b.sim.Continuous())
	assert.Equal(t, 3, b.sim.Count(":STAT:OPER:COND?"), "trigger answer plus two polls")

	chp, err := b.vsa.ChannelPower(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -10.0, chp, 1e-9)

	lower, upper, err := b.vsa.ACLR(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -45.2, lower, 1e-9)
	assert.InDelta(t, -45.8, upper, 1e-9)

	evm, err := b.vsa.EVM(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -38.5, evm, 1e-9)

	require.NoError(t, b.vsa.Continuous(ctx))
	assert.True(t, b.sim.Continuous())
	require.NoError(t, b.vsg.RFOff(ctx))
	assert.False(t, b.sim.RFOn())

	chp, err = b.vsa.ChannelPower(ctx)
	require.NoError(t, err)
	assert.InDelta(t, simNoFloorDBm+1.5, chp, 1e-9)
}

func TestSpursFollowSpan(t *testing.T) {
	b := startSimBench(t, SimulatorConfig{})
	ctx := context.Background()

	require.NoError(t, b.vsg.SetFrequency(ctx, 1e9))
	require.NoError(t, b.vsg.SetPower(ctx, 0))
	require.NoError(t, b.vsg.RFOn(ctx))
	require.NoError(t, b.vsa.SetCenter(ctx, 1e9))

	require.NoError(t, b.vsa.SetSpan(ctx, 100e6))
	spurs, err := b.vsa.Spurs(ctx)
	require.NoError(t, err)
	require.Len(t, spurs, 3)
	assert.Equal(t, Spur{FrequencyHz: 1.01e9, LevelDBm: -62}, spurs[0])

	require.NoError(t, b.vsa.SetSpan(ctx, 30e6))
	spurs, err = b.vsa.Spurs(ctx)
	require.NoError(t, err)
	assert.Len(t, spurs, 1)

	require.NoError(t, b.vsg.RFOff(ctx))
	spurs, err = b.vsa.Spurs(ctx)
	require.NoError(t, err)
	assert.Empty(t, spurs)
}

func TestAveragingImprovesEVM(t *testing.T) {
	b := startSimBench(t, SimulatorConfig{})
	ctx := context.Background()

	require.NoError(t, b.vsa.SetAveraging(ctx, 100))
	evm, err := b.vsa.EVM(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -44.5, evm, 1e-9)

	require.NoError(t, b.vsa.SetAveraging(ctx, 0))
	evm, err = b.vsa.EVM(ctx)
	require.NoError(t, err)
	assert.InDelta(t, -38.5, evm, 1e-9)
	assert.Equal(t, 1, b.sim.Count("SENS:ADJ:NCAN:AVER:COUN"), "switching off does not resend the count")
}

func TestNoiseReadingsCycle(t *testing.T) {
	b := startSimBench(t, SimulatorConfig{})
	ctx := context.Background()

	var got []float64
	for i := 0; i < 3; i++ {
		v, err := b.vsa.Noise(ctx)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.InDeltaSlice(t, []float64{-165.1, -165.0, -164.9}, got, 1e-9)
}

func TestAcquireTimesOut(t *testing.T) {
	b := startSimBench(t, SimulatorConfig{BusyPolls: 1 << 20})
	err := b.vsa.Acquire(context.Background(), 20*time.Millisecond, 5*time.Millisecond)
	assert.ErrorIs(t, err, link.ErrTimeout)
}

func TestInjectedFaults(t *testing.T) {
	b := startSimBench(t, SimulatorConfig{})
	ctx := context.Background()

	b.sim.Inject(Fault{Command: "CALC:MARK:FUNC:POW:RES? CPOW", Skip: 1, Times: 1, Kind: FaultError})
	_, err := b.vsa.ChannelPower(ctx)
	require.NoError(t, err)

	_, err = b.vsa.ChannelPower(ctx)
	require.ErrorIs(t, err, link.ErrDevice)
	text, ok := link.DeviceText(err)
	assert.True(t, ok)
	assert.Contains(t, text, "-222")

	queue, err := b.vsa.ErrorQueue(ctx)
	require.NoError(t, err)
	assert.Contains(t, queue, "Data out of range")
	queue, err = b.vsa.ErrorQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, `0,"No error"`, queue)

	b.sim.Inject(Fault{Command: "FETC:SUMM:EVM", Times: 1, Kind: FaultTimeout})
	evm, err := b.vsa.EVM(ctx)
	require.NoError(t, err, "single lost reply is recovered by retry")
	assert.InDelta(t, -38.5, evm, 1e-9)

	b.sim.Inject(Fault{Command: "*IDN?", Kind: FaultDrop})
	_, err = b.vsa.Identify(ctx)
	assert.True(t, errors.Is(err, link.ErrConnection), "got %v", err)
}

func TestUnknownHeaderIsDeviceError(t *testing.T) {
	b := startSimBench(t, SimulatorConfig{})
	// Analyzer commands are not understood by the generator.
	vsg := NewVSA(b.vsg.conn, nil)
	err := vsg.SetSpan(context.Background(), 1e6)
	assert.ErrorIs(t, err, link.ErrDevice)
}

func TestDelayedTimeoutFaultAnswersLate(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{})
	require.NoError(t, sim.Start())
	t.Cleanup(func() { sim.Close() })
	sim.Inject(Fault{Command: "*IDN?", Times: 1, Kind: FaultTimeout, Delay: 150 * time.Millisecond})

	conn, err := net.Dial("tcp", sim.VSAAddr())
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	start := time.Now()
	_, err = conn.Write([]byte("*IDN?\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, err = reader.ReadString('\n')
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "reply must not arrive early, got %v", err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	reader = bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "FSW")
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}
