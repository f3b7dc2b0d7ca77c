package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	xerrors "AutoSwap-Chain/internal/errors"
)

const (
	// KeySize 是主加密密钥的长度（AES-256）。
	KeySize = 32
	// nonceSize 是 GCM 标准的 96 位随机 nonce。
	nonceSize = 12
	tagSize   = 16
)

// Vault 使用 AES-256-GCM 对会话私钥做静态加密。
// 密钥在进程启动时加载一次，之后只读。
type Vault struct {
	aead cipher.AEAD
}

// New 根据 32 字节的主密钥构造 Vault。
func New(secret []byte) (*Vault, error) {
	if len(secret) != KeySize {
		return nil, xerrors.New(xerrors.CodeCrypto,
			fmt.Sprintf("主密钥长度必须是 %d 字节，实际 %d 字节", KeySize, len(secret)))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCrypto, err, "初始化 AES 失败")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCrypto, err, "初始化 GCM 失败")
	}
	return &Vault{aead: aead}, nil
}

// FromEnv 从指定环境变量读取十六进制编码的主密钥。
// 变量缺失或格式错误视为致命错误，进程必须拒绝启动。
func FromEnv(name string) (*Vault, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, xerrors.New(xerrors.CodeCrypto,
			fmt.Sprintf("环境变量 %s 未设置主加密密钥", name))
	}
	secret, err := hex.DecodeString(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCrypto, err,
			fmt.Sprintf("环境变量 %s 不是合法的十六进制", name))
	}
	return New(secret)
}

// Encrypt 加密会话私钥，输出 `nonce:tag:ciphertext` 的十六进制记录。
// 记录格式与历史数据保持兼容，三段各自可独立还原。
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if v == nil || v.aead == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "Vault 未初始化")
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", xerrors.Wrap(xerrors.CodeCrypto, err, "生成随机 nonce 失败")
	}

	// Seal 的输出为 ciphertext||tag，按记录格式拆开存储。
	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	if len(sealed) < tagSize {
		return "", xerrors.New(xerrors.CodeCrypto, "加密输出长度异常")
	}
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	), nil
}

// Decrypt 解密 Encrypt 生成的记录。认证标签校验失败或记录被篡改时返回
// CRYPTO_FAILURE，绝不返回部分明文。
func (v *Vault) Decrypt(record string) (string, error) {
	if v == nil || v.aead == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "Vault 未初始化")
	}
	parts := strings.Split(record, ":")
	if len(parts) != 3 {
		return "", xerrors.New(xerrors.CodeCrypto, "密文记录格式错误")
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return "", xerrors.New(xerrors.CodeCrypto, "密文记录的 nonce 无效")
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", xerrors.New(xerrors.CodeCrypto, "密文记录的认证标签无效")
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", xerrors.New(xerrors.CodeCrypto, "密文记录的密文段无效")
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeCrypto, err, "解密校验失败")
	}
	return string(plaintext), nil
}
