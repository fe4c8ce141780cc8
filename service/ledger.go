package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"ScriptToScreen-server/config"
)

// LedgerClient 信用点账本服务客户端。账本是外部系统，
// 本服务只做余额查询与扣款，余额本身不落本地库。
type LedgerClient struct {
	Endpoint   string
	httpClient *http.Client
}

var Ledger *LedgerClient

func InitLedger() {
	Ledger = &LedgerClient{
		Endpoint:   config.AppConfig.Ledger.Addr,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Balance 查询项目可用余额
func (l *LedgerClient) Balance(ctx context.Context, projectID string) (int64, error) {
	url := fmt.Sprintf("%s/v1/credits/%s", l.Endpoint, projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("ledger status code: %d", resp.StatusCode)
	}
	var respData struct {
		Balance int64 `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return 0, fmt.Errorf("decode ledger response failed: %v", err)
	}
	return respData.Balance, nil
}

// Debit 扣款。shot_id 一并传给账本，账本侧可按镜头幂等去重
func (l *LedgerClient) Debit(ctx context.Context, projectID, shotID string, amount int64) error {
	url := fmt.Sprintf("%s/v1/credits/%s/debit", l.Endpoint, projectID)
	body, _ := json.Marshal(map[string]interface{}{
		"shot_id": shotID,
		"amount":  amount,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger debit failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger debit status code: %d", resp.StatusCode)
	}
	return nil
}
