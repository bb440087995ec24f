package veb

import (
	"plugin"

	"github.com/eatonphil/villagesql-server/core/errors"
	"github.com/eatonphil/villagesql-server/core/vef"
	"github.com/eatonphil/villagesql-server/core/victionary"
	"github.com/eatonphil/villagesql-server/internal/logging"
)

// serverVersion is reported to extensions at registration.
var serverVersion = vef.Version{Major: 1, Minor: 0, Patch: 0}

// loadSharedObject opens a shared object and resolves its entry points.
// A variable so tests can substitute an in-process fake for a real
// plugin file.
var loadSharedObject = loadGoPlugin

func loadGoPlugin(soPath string) (vef.RegisterFunc, vef.UnregisterFunc, func() error, error) {
	p, err := plugin.Open(soPath)
	if err != nil {
		return nil, nil, nil, errors.NewIO("load", soPath, err)
	}
	regSym, err := p.Lookup(vef.RegisterSymbol)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "resolving %s in %s", vef.RegisterSymbol, soPath)
	}
	register, ok := regSym.(vef.RegisterFunc)
	if !ok {
		if f, fok := regSym.(func(*vef.RegisterArg) *vef.Registration); fok {
			register = f
		} else {
			return nil, nil, nil, errors.NewValidation(vef.RegisterSymbol, "has the wrong signature")
		}
	}
	unregSym, err := p.Lookup(vef.UnregisterSymbol)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "resolving %s in %s", vef.UnregisterSymbol, soPath)
	}
	unregister, ok := unregSym.(vef.UnregisterFunc)
	if !ok {
		if f, fok := unregSym.(func(*vef.UnregisterArg, *vef.Registration)); fok {
			unregister = f
		} else {
			return nil, nil, nil, errors.NewValidation(vef.UnregisterSymbol, "has the wrong signature")
		}
	}
	// The Go runtime never unloads a plugin; the closer only exists so
	// the registration handle has a uniform shape.
	closer := func() error { return nil }
	return register, unregister, closer, nil
}

// LoadExtension loads a shared object, negotiates the protocol, and
// returns the live registration handle.
func LoadExtension(soPath string) (victionary.Registration, error) {
	register, unregister, closer, err := loadSharedObject(soPath)
	if err != nil {
		return victionary.Registration{}, err
	}

	arg := &vef.RegisterArg{
		Protocol:      vef.CurrentProtocol,
		ServerVersion: serverVersion,
		SDKVersion:    serverVersion,
	}
	reg := register(arg)
	if reg == nil {
		return victionary.Registration{}, errors.NewValidation("registration",
			"extension returned no registration from "+soPath)
	}
	if reg.ErrorMsg != "" {
		return victionary.Registration{}, errors.NewValidation("registration", reg.ErrorMsg)
	}
	if reg.ExtensionName == "" {
		return victionary.Registration{}, errors.NewValidation("registration", "missing extension name")
	}

	logging.ExtensionLoading(reg.ExtensionName, reg.ExtensionVersion,
		"protocol", vef.Negotiate(vef.CurrentProtocol, reg.Protocol),
		"so_path", soPath)

	return victionary.Registration{
		Registration: reg,
		SoPath:       soPath,
		Unregister:   unregister,
		Closer:       closer,
	}, nil
}

// UnloadExtension calls the extension's unregister entry point and
// releases the shared object handle. The registration must not be used
// afterwards.
func UnloadExtension(reg victionary.Registration) {
	if reg.Unregister != nil {
		reg.Unregister(&vef.UnregisterArg{Protocol: vef.CurrentProtocol}, reg.Registration)
	}
	if reg.Closer != nil {
		if err := reg.Closer(); err != nil {
			logging.Warn("failed to release shared object", "so_path", reg.SoPath, "error", err)
		}
	}
}

// registerTypes stages one TypeDescriptor per type in the registration.
// Caller must hold the registry write guard.
func registerTypes(vict *victionary.Victionary, sess victionary.SessionID,
	extName, extVersion string, reg victionary.Registration) error {
	for _, td := range reg.Registration.Types {
		if td == nil || td.Name == "" {
			return errors.NewValidation("type descriptor", "missing name")
		}
		if td.Encode == nil || td.Decode == nil || td.Compare == nil {
			return errors.NewValidation("type descriptor",
				"type "+td.Name+" is missing a required function")
		}
		key := victionary.NewTypeDescriptorKey(td.Name, extName, extVersion)
		entry := victionary.NewTypeDescriptor(key, 0,
			td.PersistedLength, td.MaxDecodeBufferLength,
			td.Encode, td.Decode, td.Compare, td.Hash)
		if err := vict.TypeDescriptors().MarkForInsertion(sess, entry); err != nil {
			return err
		}
	}
	return nil
}

// registerVDFs registers every function in the registration under its
// qualified extension.function name. Returns the names registered so a
// failed install can unwind them.
func registerVDFs(udfs *UDFRegistry, extName string, reg victionary.Registration) ([]string, error) {
	negotiated := vef.Negotiate(vef.CurrentProtocol, reg.Registration.Protocol)
	var registered []string
	for _, fd := range reg.Registration.Funcs {
		if fd == nil || fd.Name == "" {
			return registered, errors.NewValidation("function descriptor", "missing name")
		}
		if fd.VDF == nil || fd.Signature == nil {
			return registered, errors.NewValidation("function descriptor",
				"function "+fd.Name+" is missing its row callback or signature")
		}
		if err := udfs.Register(extName, fd, negotiated); err != nil {
			return registered, err
		}
		registered = append(registered, fd.Name)
	}
	return registered, nil
}

// unregisterVDFs removes every function in the registration from the
// registry. Failures are warnings: the registry rows are already gone.
func unregisterVDFs(udfs *UDFRegistry, extName string, reg victionary.Registration) {
	for _, fd := range reg.Registration.Funcs {
		if fd == nil {
			continue
		}
		if !udfs.Unregister(extName, fd.Name) {
			logging.Warn("function was not registered", "extension", extName, "function", fd.Name)
		}
	}
}
