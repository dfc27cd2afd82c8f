package instrument

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rjboer/rfsweep/internal/logging"
)

// FaultKind selects how the simulator misbehaves for a matching command.
type FaultKind int

const (
	// FaultTimeout swallows the command, or answers it only after Delay.
	FaultTimeout FaultKind = iota
	// FaultError answers with a device error line.
	FaultError
	// FaultDrop closes the connection.
	FaultDrop
)

// Fault injects misbehaviour for command lines that start with Command.
// The first Skip matches are served normally, then Times matches are faulted
// (zero means every later match).
type Fault struct {
	Command string
	Skip    int
	Times   int
	Kind    FaultKind
	// Delay makes a FaultTimeout answer late instead of never.
	Delay time.Duration
}

type faultState struct {
	Fault
	seen int
	hits int
}

// SimulatorConfig configures a simulated VSG/VSA pair.
type SimulatorConfig struct {
	VSGAddr string
	VSAAddr string
	// BusyPolls is how many status queries report MEASURING after a trigger.
	BusyPolls int
	// CableLossDB is the loss between generator and analyzer.
	CableLossDB float64
	Logger      logging.Logger
}

type generatorState struct {
	freqHz   float64
	powerDBm float64
	offsetDB float64
	waveform string
	rfOn     bool
}

type analyzerState struct {
	mode        string
	centerHz    float64
	refOffsetDB float64
	bandwidthHz float64
	scsKHz      float64
	rbwHz       float64
	spanHz      float64
	continuous  bool
	busy        int
	avgCount    int
	avgOn       bool
}

const (
	simIDNGenerator = "Rohde&Schwarz,SMW200A,1412.0000K02/000000,5.30 (simulated)"
	simIDNAnalyzer  = "Rohde&Schwarz,FSW-43,1331.5003K43/000000,5.00 (simulated)"
	simNoFloorDBm   = -110.0
	simNoiseDBmHz   = -165.0
	simEVMDB        = -38.5
)

// Simulated spurs relative to the carrier: offset in Hz, level in dBc.
var simSpurs = [][2]float64{
	{10e6, -62},
	{-25e6, -75},
	{40e6, -58},
}

var simNoiseSteps = []float64{-0.1, 0, 0.1}

// Simulator serves a VSG and a VSA over raw SCPI sockets. Both share one
// RF path so analyzer readings follow the generator settings. Readings are
// deterministic.
type Simulator struct {
	cfg    SimulatorConfig
	logger logging.Logger

	vsgLn net.Listener
	vsaLn net.Listener

	mu      sync.Mutex
	gen     generatorState
	ana     analyzerState
	noiseN  int
	lastErr string
	faults  []*faultState
	counts  map[string]int
	conns   map[net.Conn]struct{}
	closed  bool

	wg sync.WaitGroup
}

// NewSimulator returns an unstarted simulator. Empty addresses listen on a
// random loopback port.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.VSGAddr == "" {
		cfg.VSGAddr = "127.0.0.1:0"
	}
	if cfg.VSAAddr == "" {
		cfg.VSAAddr = "127.0.0.1:0"
	}
	if cfg.BusyPolls < 0 {
		cfg.BusyPolls = 0
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Simulator{
		cfg:    cfg,
		logger: logger.With(logging.F("component", "simulator")),
		ana:    analyzerState{continuous: true},
		counts: make(map[string]int),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start opens both listeners and begins serving.
func (s *Simulator) Start() error {
	vsgLn, err := net.Listen("tcp", s.cfg.VSGAddr)
	if err != nil {
		return fmt.Errorf("listen vsg: %w", err)
	}
	vsaLn, err := net.Listen("tcp", s.cfg.VSAAddr)
	if err != nil {
		vsgLn.Close()
		return fmt.Errorf("listen vsa: %w", err)
	}
	s.vsgLn, s.vsaLn = vsgLn, vsaLn

	s.wg.Add(2)
	go s.serve(vsgLn, false)
	go s.serve(vsaLn, true)
	s.logger.Info("simulated bench listening",
		logging.F("vsg", vsgLn.Addr().String()),
		logging.F("vsa", vsaLn.Addr().String()))
	return nil
}

func (s *Simulator) VSGAddr() string { return s.vsgLn.Addr().String() }
func (s *Simulator) VSAAddr() string { return s.vsaLn.Addr().String() }

// Inject adds a fault rule.
func (s *Simulator) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &faultState{Fault: f})
}

// Count returns how many received commands start with prefix, ignoring case
// and a leading colon.
func (s *Simulator) Count(prefix string) int {
	p := normalize(prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for cmd, c := range s.counts {
		if strings.HasPrefix(cmd, p) {
			n += c
		}
	}
	return n
}

// RFOn reports the generator output state.
func (s *Simulator) RFOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen.rfOn
}

// Continuous reports whether the analyzer is free running.
func (s *Simulator) Continuous() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ana.continuous
}

// Close stops the listeners, drops open sessions and waits for the handlers.
func (s *Simulator) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var errs []error
	if s.vsgLn != nil {
		errs = append(errs, s.vsgLn.Close())
	}
	if s.vsaLn != nil {
		errs = append(errs, s.vsaLn.Close())
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Simulator) serve(ln net.Listener, analyzer bool) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(conn, analyzer)
	}
}

type simAction int

const (
	simReply simAction = iota
	simSilent
	simDrop
	simLate
)

func (s *Simulator) handle(conn net.Conn, analyzer bool) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()
	s.logger.Debug("session opened", logging.F("remote", conn.RemoteAddr().String()), logging.F("analyzer", analyzer))

	var wmu sync.Mutex
	write := func(reply string) error {
		wmu.Lock()
		defer wmu.Unlock()
		_, err := conn.Write([]byte(reply + "\n"))
		return err
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		reply, action, delay := s.process(line, analyzer)
		switch action {
		case simSilent:
			continue
		case simDrop:
			return
		case simLate:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				time.Sleep(delay)
				_ = write(reply)
			}()
			continue
		}
		if err := write(reply); err != nil {
			return
		}
	}
}

func (s *Simulator) process(line string, analyzer bool) (string, simAction, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := strings.Split(line, ";")
	for _, part := range parts {
		if p := normalize(part); p != "" {
			s.counts[p]++
		}
	}

	var late time.Duration
	if f := s.matchFault(line); f != nil {
		switch f.Kind {
		case FaultTimeout:
			if f.Delay <= 0 {
				return "", simSilent, 0
			}
			late = f.Delay
		case FaultDrop:
			return "", simDrop, 0
		default:
			s.lastErr = `-222,"Data out of range"`
			return "ERR " + s.lastErr, simReply, 0
		}
	}
	reply, action := s.answer(parts, analyzer)
	if action == simReply && late > 0 {
		return reply, simLate, late
	}
	return reply, action, 0
}

// answer executes each command of a line. s.mu must be held.
func (s *Simulator) answer(parts []string, analyzer bool) (string, simAction) {
	var answers []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ans, query, err := s.execute(part, analyzer)
		if err != nil {
			s.lastErr = err.Error()
			return "ERR " + s.lastErr, simReply
		}
		if query {
			answers = append(answers, ans)
		}
	}
	if len(answers) == 0 {
		return "", simSilent
	}
	return strings.Join(answers, ";"), simReply
}

func (s *Simulator) matchFault(line string) *faultState {
	n := normalize(line)
	for _, f := range s.faults {
		if !strings.HasPrefix(n, normalize(f.Command)) {
			continue
		}
		f.seen++
		if f.seen <= f.Skip {
			continue
		}
		if f.Times > 0 && f.hits >= f.Times {
			continue
		}
		f.hits++
		return f
	}
	return nil
}

var errUndefinedHeader = errors.New(`-113,"Undefined header"`)

func (s *Simulator) execute(cmd string, analyzer bool) (string, bool, error) {
	header, arg, _ := strings.Cut(cmd, " ")
	header = normalize(header)
	arg = strings.TrimSpace(arg)
	query := strings.HasSuffix(header, "?")

	switch header {
	case "*IDN?":
		if analyzer {
			return simIDNAnalyzer, true, nil
		}
		return simIDNGenerator, true, nil
	case "*RST":
		if analyzer {
			s.ana = analyzerState{continuous: true}
		} else {
			s.gen = generatorState{}
		}
		return "", false, nil
	case "*OPC?":
		return "1", true, nil
	case "*CLS":
		s.lastErr = ""
		return "", false, nil
	case "SYST:ERR?":
		msg := s.lastErr
		s.lastErr = ""
		if msg == "" {
			msg = `0,"No error"`
		}
		return msg, true, nil
	}

	if analyzer {
		return s.executeAnalyzer(header, arg, query)
	}
	return s.executeGenerator(header, arg)
}

func (s *Simulator) executeGenerator(header, arg string) (string, bool, error) {
	var err error
	switch header {
	case "SOUR1:FREQ:CW":
		s.gen.freqHz, err = parseArg(arg)
	case "SOUR1:POW:LEV:IMM:AMPL":
		s.gen.powerDBm, err = parseArg(arg)
	case "SOUR1:POW:LEV:IMM:OFFS":
		s.gen.offsetDB, err = parseArg(arg)
	case "SOUR1:BB:ARB:WAV:SEL":
		s.gen.waveform = strings.Trim(arg, `'"`)
	case "SOUR1:BB:ARB:STAT":
	case "OUTP1:STAT":
		s.gen.rfOn = isOn(arg)
	default:
		return "", false, errUndefinedHeader
	}
	return "", false, err
}

func (s *Simulator) executeAnalyzer(header, arg string, query bool) (string, bool, error) {
	var err error
	switch header {
	case "INST:SEL":
		s.ana.mode = strings.ToUpper(arg)
	case "SENS:FREQ:CENT":
		s.ana.centerHz, err = parseArg(arg)
	case "DISP:WIND:TRAC:Y:SCAL:RLEV:OFFS":
		s.ana.refOffsetDB, err = parseArg(arg)
	case "SENS:POW:ACH:BWID:CHAN1":
		s.ana.bandwidthHz, err = parseArg(arg)
	case "SENS:NR5G:SCS":
		s.ana.scsKHz, err = parseArg(arg)
	case "SENS:BAND:RES":
		s.ana.rbwHz, err = parseArg(arg)
	case "SENS:FREQ:SPAN":
		s.ana.spanHz, err = parseArg(arg)
	case "INIT:CONT":
		s.ana.continuous = isOn(arg)
	case "INIT:IMM":
		s.ana.busy = s.cfg.BusyPolls
	case "STAT:OPER:COND?":
		cond := 0
		if s.ana.busy > 0 {
			s.ana.busy--
			cond = measuringBit
		}
		return strconv.Itoa(cond), true, nil
	case "CALC:MARK:FUNC:POW:RES?":
		chpow := formatLevel(s.channelPower())
		switch strings.ToUpper(arg) {
		case "CPOW":
			return chpow, true, nil
		case "ACP":
			return chpow + ",-45.20,-45.80", true, nil
		}
		return "", true, errUndefinedHeader
	case "SENS:ADJ:NCAN:AVER:COUN":
		var n float64
		if n, err = parseArg(arg); err == nil {
			s.ana.avgCount = int(n)
		}
	case "SENS:ADJ:NCAN:AVER:STST":
		s.ana.avgOn = isOn(arg)
	case "FETC:SUMM:EVM:ALL:AVER?":
		return formatLevel(s.evm()), true, nil
	case "CALC:MARK1:FUNC:NOIS:RES?":
		v := simNoiseDBmHz + simNoiseSteps[s.noiseN%len(simNoiseSteps)] + s.ana.refOffsetDB
		s.noiseN++
		return formatLevel(v), true, nil
	case "TRAC:DATA?":
		if strings.ToUpper(arg) != "SPUR" {
			return "", true, errUndefinedHeader
		}
		return s.spurTable(), true, nil
	default:
		return "", query, errUndefinedHeader
	}
	return "", false, err
}

// evm improves by 3 dB per decade of noise-cancellation averages.
func (s *Simulator) evm() float64 {
	if !s.ana.avgOn || s.ana.avgCount < 1 {
		return simEVMDB
	}
	return simEVMDB - 3*math.Log10(float64(s.ana.avgCount))
}

// received returns the carrier level seen by the analyzer, if the generator
// is on and the analyzer is tuned to it.
func (s *Simulator) received() (float64, bool) {
	if !s.gen.rfOn || math.Abs(s.ana.centerHz-s.gen.freqHz) > 1e3 {
		return 0, false
	}
	return s.gen.powerDBm - s.gen.offsetDB - s.cfg.CableLossDB + s.ana.refOffsetDB, true
}

func (s *Simulator) channelPower() float64 {
	if lvl, ok := s.received(); ok {
		return lvl
	}
	return simNoFloorDBm + s.ana.refOffsetDB
}

func (s *Simulator) spurTable() string {
	carrier, ok := s.received()
	if !ok {
		return ""
	}
	span := s.ana.spanHz
	if span <= 0 {
		span = 100e6
	}
	var fields []string
	for _, sp := range simSpurs {
		if math.Abs(sp[0]) > span/2 {
			continue
		}
		fields = append(fields,
			strconv.FormatFloat(s.ana.centerHz+sp[0], 'f', 0, 64),
			formatLevel(carrier+sp[1]))
	}
	return strings.Join(fields, ",")
}

func normalize(cmd string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(cmd), ":"))
}

func parseArg(arg string) (float64, error) {
	v, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return 0, errors.New(`-151,"Invalid string data"`)
	}
	return v, nil
}

func isOn(arg string) bool {
	a := strings.ToUpper(arg)
	return a == "1" || a == "ON"
}

func formatLevel(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
