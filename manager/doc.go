// Package manager merges the callbacks of many extensions and drives their scopes.
//
// # Overview
//
// A [Manager] is the consumption side of the dext extension model. It:
//   - Keeps extensions in registration order
//   - Merges their callbacks per event and sorts them by priority (lower first), breaking
//     ties by registration order and then declaration order
//   - Runs the callbacks of an event against the shared DenoiseContext
//   - Nests every extension's generation scope or patch scope around a region, releasing
//     them in reverse order on every exit path
//
// # Creating and Using
//
//	mgr := manager.New(slog.Default())
//	if err := mgr.Add(lora, stepLogger, metricsExt); err != nil {
//	    return err
//	}
//
//	err := mgr.PatchExtensions(dctx, func() error {
//	    return mgr.RunCallback(dext.CallbackPreStep, dctx)
//	})
//
// # Thread Safety
//
// Manager is NOT thread-safe. Add all extensions before the run starts; a Manager and its
// extensions serve one run at a time.
package manager
