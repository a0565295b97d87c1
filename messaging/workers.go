package messaging

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/msgspool/errors"
	"github.com/opd-ai/msgspool/lifecycle"
	"github.com/opd-ai/msgspool/message"
)

// Start runs the crash-recovery lock sweep and launches the background
// processing and assembly workers. The sweep runs before any claim is
// issued: rows left in an in-flight status belong to a crashed holder
// and are unconditionally requeued.
func (mgr *Manager) Start(ctx context.Context) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.running {
		return nil
	}

	if err := mgr.resetLocks(ctx); err != nil {
		return err
	}

	mgr.running = true
	mgr.wg.Add(2)
	go mgr.processLoop(ctx)
	go mgr.assembleLoop(ctx)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"lockName": mgr.engine.LockName(),
	}).Info("Background workers started")
	return nil
}

// Stop shuts the background workers down and waits for them. Safe to
// call more than once.
func (mgr *Manager) Stop() {
	mgr.mu.Lock()
	if !mgr.running {
		mgr.mu.Unlock()
		return
	}
	mgr.running = false
	close(mgr.stopCh)
	mgr.mu.Unlock()

	mgr.wg.Wait()
	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Background workers stopped")
}

// resetLocks requeues every row stuck in an in-flight status.
func (mgr *Manager) resetLocks(ctx context.Context) error {
	messageResets := []struct {
		from, to message.Status
	}{
		{message.StatusProcessing, message.StatusQueuedForProcessing},
		{message.StatusSending, message.StatusQueuedForSending},
		{message.StatusDownloading, message.StatusQueuedForDownload},
	}
	for _, r := range messageResets {
		if _, err := mgr.engine.ResetMessageLocks(ctx, r.from, r.to); err != nil {
			return err
		}
	}

	partResets := []struct {
		from, to message.PartStatus
	}{
		{message.PartAssembling, message.PartQueuedForAssembly},
		{message.PartSending, message.PartQueuedForSending},
		{message.PartDownloading, message.PartQueuedForDownload},
	}
	for _, r := range partResets {
		if _, err := mgr.engine.ResetPartLocks(ctx, r.from, r.to); err != nil {
			return err
		}
	}
	return nil
}

// triggerProcessing signals the processor without blocking. A dropped
// signal is harmless: the periodic sweep rediscovers queued work.
func (mgr *Manager) triggerProcessing() {
	select {
	case mgr.processCh <- struct{}{}:
	default:
	}
}

// triggerAssembly signals the assembler without blocking.
func (mgr *Manager) triggerAssembly(task lifecycle.AssemblyTask) {
	select {
	case mgr.assembleCh <- task:
	default:
		logrus.WithFields(logrus.Fields{
			"function":  "triggerAssembly",
			"messageId": task.MessageID.String(),
		}).Debug("Assembly trigger queue full, deferring to sweep")
	}
}

func (mgr *Manager) processLoop(ctx context.Context) {
	defer mgr.wg.Done()
	ticker := time.NewTicker(mgr.cfg.Sweep())
	defer ticker.Stop()

	for {
		select {
		case <-mgr.stopCh:
			return
		case <-ctx.Done():
			return
		case <-mgr.processCh:
			mgr.drainProcessing(ctx)
		case <-ticker.C:
			mgr.drainProcessing(ctx)
		}
	}
}

// drainProcessing claims and processes queued messages until none are
// eligible. Individual failures are logged and the drain moves on; one
// bad message never aborts the sweep.
func (mgr *Manager) drainProcessing(ctx context.Context) {
	for {
		select {
		case <-mgr.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := mgr.engine.ClaimNextForProcessing(ctx)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "drainProcessing",
				"error":    err.Error(),
			}).Error("Failed to claim next message, ending sweep")
			return
		}
		if claimed == nil {
			return
		}
		mgr.processOne(ctx, claimed)
	}
}

// processOne decrypts, dispatches, and completes a claimed message.
func (mgr *Manager) processOne(ctx context.Context, m *message.Message) {
	log := logrus.WithFields(logrus.Fields{
		"function":  "processOne",
		"messageId": m.ID.String(),
		"typeId":    m.TypeID,
		"attempt":   m.ProcessAttempts,
	})

	working := m.Clone()
	if m.IsEncrypted() {
		plain, err := mgr.decryptVerify(m)
		if err != nil {
			// An integrity mismatch on a message that verified at intake
			// means the stored row was corrupted: a protocol violation,
			// terminal. Other crypto failures go through the retry path.
			if errors.Is(err, errors.KindIntegrityFailure) {
				log.WithField("error", err.Error()).Error("Stored payload failed verification, aborting message")
				if abortErr := mgr.engine.Abort(ctx, m.ID); abortErr != nil {
					log.WithField("error", abortErr.Error()).Error("Failed to abort message")
				}
				return
			}
			log.WithField("error", err.Error()).Warn("Decryption failed during processing")
			mgr.failOne(ctx, m)
			return
		}
		working.Payload = plain
	}

	resp, err := mgr.registry.Dispatch(ctx, working)
	if err != nil {
		log.WithField("error", err.Error()).Warn("Handler dispatch failed")
		mgr.failOne(ctx, m)
		return
	}

	if resp != nil {
		if m.IsEncrypted() {
			if err := mgr.encrypt(resp); err != nil {
				log.WithField("error", err.Error()).Error("Failed to encrypt handler response")
				mgr.failOne(ctx, m)
				return
			}
		}
		if err := mgr.deliver(ctx, resp); err != nil {
			log.WithField("error", err.Error()).Error("Failed to queue handler response for delivery")
			mgr.failOne(ctx, m)
			return
		}
	}

	if err := mgr.engine.CompleteProcessing(ctx, m.ID); err != nil {
		log.WithField("error", err.Error()).Error("Failed to complete processing")
		return
	}
	log.Debug("Message processed")
}

func (mgr *Manager) failOne(ctx context.Context, m *message.Message) {
	if _, err := mgr.engine.FailProcessing(ctx, m.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "failOne",
			"messageId": m.ID.String(),
			"error":     err.Error(),
		}).Error("Failed to record processing failure")
	}
}

func (mgr *Manager) assembleLoop(ctx context.Context) {
	defer mgr.wg.Done()
	ticker := time.NewTicker(mgr.cfg.Sweep())
	defer ticker.Stop()

	for {
		select {
		case <-mgr.stopCh:
			return
		case <-ctx.Done():
			return
		case task := <-mgr.assembleCh:
			mgr.runAssembly(ctx, task)
		case <-ticker.C:
			mgr.sweepAssemblies(ctx)
		}
	}
}

// sweepAssemblies rediscovers complete part sets whose triggers were
// lost.
func (mgr *Manager) sweepAssemblies(ctx context.Context) {
	tasks, err := mgr.engine.FindReadyAssemblies(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sweepAssemblies",
			"error":    err.Error(),
		}).Error("Failed to find ready part sets")
		return
	}
	for _, task := range tasks {
		mgr.runAssembly(ctx, task)
	}
}

// runAssembly reassembles one part set and routes the result through
// the normal intake sequence. A nil message is a benign race or a
// silently dropped corrupt set.
func (mgr *Manager) runAssembly(ctx context.Context, task lifecycle.AssemblyTask) {
	m, err := mgr.assembler.Assemble(ctx, task.MessageID, task.TotalParts)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "runAssembly",
			"messageId": task.MessageID.String(),
			"error":     err.Error(),
		}).Error("Assembly failed")
		return
	}
	if m == nil {
		return
	}

	result := mgr.accept(ctx, m)
	if !result.OK() {
		logrus.WithFields(logrus.Fields{
			"function":  "runAssembly",
			"messageId": m.ID.String(),
			"code":      result.Code,
			"detail":    result.Detail,
		}).Warn("Reassembled message was rejected")
	}
}
