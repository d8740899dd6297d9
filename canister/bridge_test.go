package canister

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sippar-network/ck-bridge-api/types"
)

func newTestBridge(t *testing.T, handler func(method string, params []interface{}) (interface{}, *rpcError)) *BridgeClient {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		result, rpcErr := handler(req.Method, req.Params)

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)

	client, err := NewBridgeClient(BridgeClientOpts{URL: server.URL})
	if err != nil {
		t.Fatalf("new bridge client: %v", err)
	}
	return client
}

func TestRegisterPendingDepositDuplicateMapsToConflict(t *testing.T) {
	client := newTestBridge(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		if method != "bridge_registerPendingDeposit" {
			t.Errorf("unexpected method %s", method)
		}
		return nil, &rpcError{Code: codeDuplicateDeposit, Message: "already registered"}
	})

	err := client.RegisterPendingDeposit(context.Background(), "alice", "tx-1", 1_000_000, "CUSTODY", 6)
	if !errors.Is(err, types.ErrRegistrationConflict) {
		t.Fatalf("expected registration conflict, got %v", err)
	}
}

func TestMintAfterConfirmedDecodesReceipt(t *testing.T) {
	client := newTestBridge(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		return map[string]interface{}{"tx_id": "mint-1", "amount": 5_000_000, "block_index": 99}, nil
	})

	receipt, err := client.MintAfterConfirmed(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if receipt.TxID != "mint-1" || receipt.Amount != 5_000_000 || receipt.BlockIndex != 99 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestUnknownDepositMapsToNotFound(t *testing.T) {
	client := newTestBridge(t, func(method string, params []interface{}) (interface{}, *rpcError) {
		return nil, &rpcError{Code: codeDepositUnknown, Message: "no such deposit"}
	})

	_, err := client.MintAfterConfirmed(context.Background(), "tx-x")
	if !errors.Is(err, types.ErrDepositNotFound) {
		t.Fatalf("expected deposit not found, got %v", err)
	}
}

func TestHTTPErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	client, err := NewBridgeClient(BridgeClientOpts{URL: server.URL})
	if err != nil {
		t.Fatalf("new bridge client: %v", err)
	}

	_, err = client.TotalSupply(context.Background())
	if !errors.Is(err, types.ErrTransientRemote) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestCallIDsIncrease(t *testing.T) {
	var seen []int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, req.ID)
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%d,"result":0}`, req.ID)
	}))
	t.Cleanup(server.Close)

	client, err := NewBridgeClient(BridgeClientOpts{URL: server.URL})
	if err != nil {
		t.Fatalf("new bridge client: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := client.TotalSupply(context.Background()); err != nil {
			t.Fatalf("total supply: %v", err)
		}
	}
	if len(seen) != 3 || !(seen[0] < seen[1] && seen[1] < seen[2]) {
		t.Fatalf("request ids not strictly increasing: %v", seen)
	}
}
