// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"testing"

	"github.com/absmach/fluxq/storage"
	"github.com/absmach/fluxq/storage/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return New()
	})
}
