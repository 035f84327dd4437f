package nxjit

import (
	"fmt"
	"sync"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Engine ties the protected ranges, the translator and the fault hook
// together. There should be one per process.
type Engine struct {
	session    uuid.UUID
	mem        Memory
	regions    *Registry
	translator *Translator
	dispatcher *Dispatcher
	protect    func(r Range, prot int) error
	log        *zap.Logger

	mu   sync.Mutex
	hook *faultHook
}

// New creates an Engine. Nothing is protected until Protect or AttachModule
// is called, and no faults are seen until Install.
func New(opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.pager == nil {
		o.pager = newPager()
	}

	session := uuid.New()
	log := o.log.With(zap.Stringer("session", session))

	e := &Engine{
		session: session,
		mem:     o.mem,
		regions: &Registry{},
		protect: o.protect,
		log:     log,
	}
	e.translator = newTranslator(o.mem, newCodeCache(o.pager, o.bufferSize, log), o.validate, log)
	e.dispatcher = NewDispatcher(e.regions, e.translator, log)

	log.Info("engine created",
		zap.String("buffer_size", units.BytesSize(float64(o.bufferSize))),
		zap.Bool("validate", o.validate),
	)

	return e
}

// Session identifies this engine in the log.
func (e *Engine) Session() uuid.UUID {
	return e.session
}

// Protect registers [start, end) as protected code and reserves a code
// buffer for it. The caller has already removed execute permission.
func (e *Engine) Protect(start, end uintptr) error {
	r := Range{Start: start, End: end}
	if err := e.regions.Register(r); err != nil {
		return err
	}

	e.reserve(r)
	return nil
}

// reserve logs a newly protected range and creates its section buffer.
// Failing to reserve the buffer isn't fatal, translated code will go to
// buffers allocated as needed.
func (e *Engine) reserve(r Range) {
	e.log.Info("protected range",
		zap.Stringer("range", r),
		zap.String("size", units.BytesSize(float64(r.Len()))),
	)

	if err := e.translator.CreateSectionBuffer(r.Start, r.End); err != nil {
		e.log.Warn("unable to reserve section buffer", zap.Stringer("range", r), zap.Error(err))
	}
}

// AttachModule removes execute permission from the executable sections of
// the PE image at base and protects each of them. The code in those
// sections only runs from the cache after this, so the fault hook needs to
// be installed before anything there is called.
//
// Either every section is protected or none are. On error, the sections
// that lost execute permission get it back.
func (e *Engine) AttachModule(base uintptr) ([]Section, error) {
	sections, err := ModuleSections(e.mem, base)
	if err != nil {
		return nil, err
	}
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: no executable sections at %#x", ErrBadImage, base)
	}

	ranges := make([]Range, 0, len(sections))
	for i, s := range sections {
		e.log.Info("found executable section",
			zap.String("name", s.Name),
			zap.Stringer("range", s.Range),
		)

		if err := e.protect(s.Range, protectRead); err != nil {
			e.restore(sections[:i])
			return nil, fmt.Errorf("removing execute permission from %s: %w", s.Name, err)
		}
		ranges = append(ranges, s.Range)
	}

	if err := e.regions.Register(ranges...); err != nil {
		e.restore(sections)
		return nil, fmt.Errorf("protecting module at %#x: %w", base, err)
	}

	for _, r := range ranges {
		e.reserve(r)
	}

	return sections, nil
}

// restore gives sections their execute permission back.
func (e *Engine) restore(sections []Section) {
	for _, s := range sections {
		if err := e.protect(s.Range, protectRX); err != nil {
			e.log.Error("unable to restore execute permission",
				zap.String("name", s.Name),
				zap.Stringer("range", s.Range),
				zap.Error(err),
			)
		}
	}
}

// Resolve returns the translated address for source, translating it if
// needed.
func (e *Engine) Resolve(source uintptr) (uintptr, error) {
	return e.translator.Resolve(source)
}

// Handle decides what to do with a fault. See Dispatcher.Handle.
func (e *Engine) Handle(f Fault) (Verdict, uintptr) {
	return e.dispatcher.Handle(f)
}

// Install hooks the engine into the platform's fault handling. Only one
// engine can be installed at a time.
func (e *Engine) Install() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hook != nil {
		return nil
	}

	hook, err := installFaultHook(e.dispatcher)
	if err != nil {
		return err
	}
	e.hook = hook

	e.log.Info("fault handler installed")
	return nil
}

// Uninstall removes the fault hook. Protected code will crash the process if
// it runs afterwards.
func (e *Engine) Uninstall() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.hook == nil {
		return nil
	}

	err := e.hook.remove()
	e.hook = nil

	e.log.Info("fault handler removed")
	return err
}

// Regions returns the protected ranges.
func (e *Engine) Regions() []Range {
	return e.regions.Ranges()
}

// Buffers returns the code cache's buffers.
func (e *Engine) Buffers() []BufferInfo {
	return e.translator.Buffers()
}

// SourceOf maps an address in translated code back to the start of the
// region it was translated from.
func (e *Engine) SourceOf(addr uintptr) (uintptr, bool) {
	return e.translator.SourceOf(addr)
}

// Translations returns the number of regions in the cache.
func (e *Engine) Translations() int {
	return e.translator.Len()
}
