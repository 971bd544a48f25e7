package uspt

//SetupRetInstrPerf programs the "retired instructions in guest" counter on the given logical cpu and resets it to
//zero. To be useful, the guest's vCPU must be pinned to the same logical cpu
func (e *Engine) SetupRetInstrPerf(cpu int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.activeSession()
	if err != nil {
		return err
	}
	if err := s.counters.configure(cpu); err != nil {
		return err
	}
	delete(s.progress, cpu)
	e.log.WithField("cpu", cpu).Debug("configured retired instructions counter")
	return nil
}

//ReadRetInstrPerf returns the instructions retired on cpu since SetupRetInstrPerf. Fails with ErrNotConfigured
//if the counter was not set up
func (e *Engine) ReadRetInstrPerf(cpu int) (uint64, error) {
	e.mu.Lock()
	s, err := e.activeSession()
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return s.counters.read(cpu)
}
